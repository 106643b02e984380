// Package wire encodes and decodes the client-facing framed binary protocol:
// magic "FF 31 D5" followed by a one-byte type and a type-specific body.
package wire

import "errors"

// Magic is the three-byte prefix that opens every client-facing frame.
var Magic = [3]byte{0xFF, 0x31, 0xD5}

// Type bytes, request and response.
const (
	TypeHandshake  byte = 0xFF
	TypeGoodbye    byte = 0xEE
	TypeAskAlive   byte = 0xFD // server -> client liveness probe
	TypeReplyAlive byte = 0x7D // client -> server liveness reply

	TypeListUartReq byte = 0x00
	TypeListCapReq  byte = 0x01
	TypeRunMjpgReq  byte = 0x10
	TypeOpenUartReq byte = 0x20
	TypeSendKeyReq  byte = 0x21
	TypeSendMouseReq byte = 0x22
	TypeSendAtxReq  byte = 0x23

	TypeListUartRes byte = 0x80
	TypeListCapRes  byte = 0x81
	TypeRunMjpgRes  byte = 0x90
	TypeOpenUartRes byte = 0xA0
	TypeSendKeyRes  byte = 0xA1
	TypeSendMouseRes byte = 0xA2
	TypeSendAtxRes  byte = 0xA3
)

// Status codes carried by generic status responses.
const (
	StatusSuccess byte = 0x00
	StatusFailure byte = 0x01
)

// Key flags (send-key-req).
const (
	KeyRelease byte = 0x00
	KeyPress   byte = 0x01
	KeyClear   byte = 0x02
	KeyText    byte = 0x80
)

// Mouse flags (send-mouse-req).
const (
	MouseRelease   byte = 0x00
	MousePress     byte = 0x01
	MouseClear     byte = 0x02
	MouseWheelDown byte = 0x10
	MouseWheelUp   byte = 0x11
	MouseMove      byte = 0x80
)

// ATX signal codes as they appear on the client-facing wire (distinct from
// the serial command codes they map to; see uartproto.ATXCommand).
const (
	ATXShortPower byte = 0xFD
	ATXReset      byte = 0xFE
	ATXLongPower  byte = 0xFF
)

var (
	// ErrShortFrame signals a frame too short to even carry magic+type.
	ErrShortFrame = errors.New("wire: frame shorter than header")
	// ErrBadMagic signals the three-byte prefix did not match.
	ErrBadMagic = errors.New("wire: bad magic")
)

func frame(typ byte, body ...byte) []byte {
	out := make([]byte, 0, 4+len(body))
	out = append(out, Magic[0], Magic[1], Magic[2], typ)
	out = append(out, body...)
	return out
}

// EncodeHandshake builds the handshake echo frame.
func EncodeHandshake() []byte { return frame(TypeHandshake) }

// EncodeGoodbye builds the goodbye frame.
func EncodeGoodbye() []byte { return frame(TypeGoodbye) }

// EncodeAskAlive builds the server-initiated liveness probe.
func EncodeAskAlive() []byte { return frame(TypeAskAlive) }

// EncodeReplyAlive builds the client-side liveness reply (used by tests and
// by any harness emulating a client).
func EncodeReplyAlive() []byte { return frame(TypeReplyAlive) }

// SerialDeviceInfo describes one entry in a list-uart response.
type SerialDeviceInfo struct {
	Name string
	VID  uint16
	PID  uint16
}

// Resolution is one supported capture resolution and its frame rates.
type Resolution struct {
	Width, Height uint16
	FPS           []uint8
}

// CaptureDeviceInfo describes one entry in a list-cap response.
type CaptureDeviceInfo struct {
	Name        string
	Resolutions []Resolution
}

// EncodeListUartResponse builds the list-uart-res body.
func EncodeListUartResponse(devs []SerialDeviceInfo) []byte {
	body := []byte{byte(len(devs))}
	for _, d := range devs {
		body = append(body, byte(len(d.Name)))
		body = append(body, []byte(d.Name)...)
		body = append(body, byte(d.VID>>8), byte(d.VID))
		body = append(body, byte(d.PID>>8), byte(d.PID))
	}
	return frame(TypeListUartRes, body...)
}

// EncodeListCapResponse builds the list-cap-res body.
func EncodeListCapResponse(devs []CaptureDeviceInfo) []byte {
	body := []byte{byte(len(devs))}
	for _, d := range devs {
		body = append(body, byte(len(d.Name)))
		body = append(body, []byte(d.Name)...)
		body = append(body, byte(len(d.Resolutions)))
		for _, r := range d.Resolutions {
			body = append(body, byte(r.Width>>8), byte(r.Width), byte(r.Height>>8), byte(r.Height))
			body = append(body, byte(len(r.FPS)))
			body = append(body, r.FPS...)
		}
	}
	return frame(TypeListCapRes, body...)
}

// EncodeStatus builds the generic status-code response shared by
// open-uart, send-key, send-mouse, send-atx and run-mjpg responses.
func EncodeStatus(typ byte, ok bool, detail string) []byte {
	code := StatusFailure
	if ok {
		code = StatusSuccess
	}
	d := []byte(detail)
	if len(d) > 255 {
		d = d[:255]
	}
	body := append([]byte{code, byte(len(d))}, d...)
	return frame(typ, body...)
}
