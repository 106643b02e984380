// Package uartproto builds and validates the checksummed command frames
// sent down the serial line to the microcontroller that emulates HID input
// and ATX front-panel signals on the target machine.
package uartproto

// Magic is the two-byte prefix of every serial command frame.
var Magic = [2]byte{0x0F, 0xE0}

// Command bytes.
const (
	CmdKeyClick   byte = 0x10
	CmdTextEnter  byte = 0x11
	CmdKeyClear   byte = 0x12
	CmdMouseClick byte = 0x20
	CmdMouseMove  byte = 0x21
	CmdMouseWheel byte = 0x22
	CmdMouseClear byte = 0x23
	CmdShortPower byte = 0x31
	CmdReset      byte = 0x32
	CmdLongPower  byte = 0x33
)

// Mouse button bitmask values, OR-able for chorded clicks.
const (
	MouseLeft   byte = 1
	MouseRight  byte = 2
	MouseMiddle byte = 4
)

// Key/mouse click flags carried in the frame body, reusing the same
// press=1/release=0 convention the client-facing wire protocol uses.
const (
	FlagRelease byte = 0x00
	FlagPress   byte = 0x01
)

// Wheel direction bytes for the mouse-wheel command.
const (
	WheelUp   byte = 0x01
	WheelDown byte = 0x02
)

// atxCommand maps the client-facing ATX signal byte to its serial command.
var atxCommand = map[byte]byte{
	0xFD: CmdShortPower,
	0xFE: CmdReset,
	0xFF: CmdLongPower,
}

// ATXCommand resolves a client ATX signal byte to its serial command, or
// false if the signal is not one of the three defined values.
func ATXCommand(signal byte) (byte, bool) {
	cmd, ok := atxCommand[signal]
	return cmd, ok
}

// checksum XORs every byte of the frame up to (but not including) the slot
// the checksum itself occupies.
func checksum(frame []byte) byte {
	var x byte
	for _, b := range frame {
		x ^= b
	}
	return x
}

// build assembles magic + cmd + size + body + checksum. size is len(body)+1.
func build(cmd byte, body []byte) []byte {
	frame := make([]byte, 0, 4+len(body)+1)
	frame = append(frame, Magic[0], Magic[1], cmd, byte(len(body)+1))
	frame = append(frame, body...)
	frame = append(frame, checksum(frame))
	return frame
}

// KeyClick builds a press or release frame for a single key code.
func KeyClick(press bool, keycode byte) []byte {
	flag := FlagRelease
	if press {
		flag = FlagPress
	}
	return build(CmdKeyClick, []byte{flag, keycode})
}

// TextEnter builds a single-character text-entry frame. Callers emit one
// frame per character; the bridge is responsible for chunking bursts.
func TextEnter(ch byte) []byte { return build(CmdTextEnter, []byte{ch}) }

// KeyClear builds the release-all-keys frame.
func KeyClear() []byte { return build(CmdKeyClear, nil) }

// MouseClick builds a press or release frame for the given button mask.
func MouseClick(press bool, button byte) []byte {
	flag := FlagRelease
	if press {
		flag = FlagPress
	}
	return build(CmdMouseClick, []byte{flag, button})
}

// MouseMove builds a relative-motion frame with signed 8-bit displacement.
func MouseMove(dx, dy int8) []byte {
	return build(CmdMouseMove, []byte{byte(dx), byte(dy)})
}

// MouseWheel builds a scroll-wheel frame.
func MouseWheel(up bool) []byte {
	dir := WheelDown
	if up {
		dir = WheelUp
	}
	return build(CmdMouseWheel, []byte{dir})
}

// MouseClear builds the release-all-mouse-buttons frame.
func MouseClear() []byte { return build(CmdMouseClear, nil) }

// ATXSignal builds a frame for one of the three ATX power/reset signals.
func ATXSignal(cmd byte) []byte { return build(cmd, nil) }
