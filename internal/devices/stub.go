//go:build !linux

package devices

// ListSerial returns an empty list on platforms without /sys/class/tty;
// the specification treats enumeration failure as an empty response, not
// an error surfaced to the client.
func (Host) ListSerial() ([]SerialPort, error) { return nil, nil }

// ListCaptures returns an empty list on platforms without V4L2.
func (Host) ListCaptures() ([]Capture, error) { return nil, nil }
