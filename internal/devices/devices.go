// Package devices enumerates the host's serial ports and V4L2 video capture
// devices behind small interfaces, so the session layer never shells out to
// list hardware and tests can substitute a fake.
package devices

// SerialPort describes one serial device candidate for OpenUart.
type SerialPort struct {
	Name string
	VID  uint16
	PID  uint16
}

// CaptureFormat is one resolution/frame-rate set a capture device offers in
// MJPG output.
type CaptureFormat struct {
	Width, Height uint16
	FPS           []uint8
}

// Capture describes one V4L2 video capture device.
type Capture struct {
	Name    string
	Formats []CaptureFormat
}

// SerialEnumerator lists serial ports present on the host.
type SerialEnumerator interface {
	ListSerial() ([]SerialPort, error)
}

// CaptureEnumerator lists V4L2 capture devices present on the host.
type CaptureEnumerator interface {
	ListCaptures() ([]Capture, error)
}

// Enumerator is the combined capability the session layer depends on.
type Enumerator interface {
	SerialEnumerator
	CaptureEnumerator
}

// Host is the default Enumerator backed by /sys/class/tty and V4L2 ioctls.
// On unsupported platforms its methods return an empty list, matching the
// specification's "enumeration error yields empty list" rule.
type Host struct{}

var _ Enumerator = Host{}
