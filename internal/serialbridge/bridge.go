// Package serialbridge owns the single open connection to the HID/ATX
// microcontroller and turns it into a small state machine: open-by-name,
// write-with-timeout, close. All public methods are safe to call from one
// goroutine at a time only (the session loop never calls concurrently).
package serialbridge

import (
	"errors"
	"strings"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/devices"
	"github.com/kstaniek/go-kvm-server/internal/logging"
	"github.com/kstaniek/go-kvm-server/internal/metrics"
	"github.com/kstaniek/go-kvm-server/internal/serialport"
)

const (
	// Baud is the fixed line rate the microcontroller expects.
	Baud = 19200
	// WriteTimeout bounds how long a single write may take to drain.
	WriteTimeout = 1 * time.Second
	// MaxChunk is the largest slice written in one call, derived from
	// baud*timeout/10 (bytes per second at 8N1, times the write timeout).
	MaxChunk = Baud * int(WriteTimeout/time.Second) / 10
)

// Outcome classifies the result of an Open call.
type Outcome int

const (
	Opened Outcome = iota
	AlreadyOpened
	Reopened
	Changed
	NoDevice
	Error
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "Opened"
	case AlreadyOpened:
		return "AlreadyOpened"
	case Reopened:
		return "Reopened"
	case Changed:
		return "Changed"
	case NoDevice:
		return "NoDevice"
	default:
		return "Error"
	}
}

var ErrWriteTimeout = errors.New("serialbridge: write did not drain before timeout")
var ErrNotOpen = errors.New("serialbridge: no device open")

// OpenFunc opens a serial port; overridable in tests.
type OpenFunc func(serialport.Config) (serialport.Port, error)

// Bridge is the single owned handle to the serial link.
type Bridge struct {
	open OpenFunc

	port       serialport.Port
	deviceName string // currently open device path, "" if closed
	everOpened bool
	lastName   string // last device path that was ever open, even if now closed
}

// New constructs a Bridge. openFn defaults to serialport.Open.
func New(openFn OpenFunc) *Bridge {
	if openFn == nil {
		openFn = serialport.Open
	}
	return &Bridge{open: openFn}
}

// OpenResult reports the outcome of an Open call. From is only meaningful
// when Outcome is Changed; Name is the matched device path in all outcomes
// but NoDevice.
type OpenResult struct {
	Outcome Outcome
	Name    string
	From    string
}

// Open resolves fragment against the enumerator's serial list (first
// substring match wins) and opens, reopens, or switches the link as needed.
func (b *Bridge) Open(fragment string, enum devices.SerialEnumerator) (OpenResult, error) {
	ports, err := enum.ListSerial()
	if err != nil {
		metrics.IncError(metrics.ErrDeviceList)
		return OpenResult{Outcome: Error}, err
	}
	matched := ""
	for _, p := range ports {
		if strings.Contains(p.Name, fragment) {
			matched = p.Name
			break
		}
	}
	if matched == "" {
		return OpenResult{Outcome: NoDevice}, nil
	}

	from := ""
	if b.port != nil {
		if b.deviceName == matched {
			return OpenResult{Outcome: AlreadyOpened, Name: matched}, nil
		}
		from = b.deviceName
		_ = b.port.Close()
		b.port = nil
		logging.L().Info("serial_closed_for_switch", "from", from, "to", matched)
	}

	p, err := b.open(serialport.Config{Name: matched, Baud: Baud, ReadTimeout: WriteTimeout})
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		return OpenResult{Outcome: Error, Name: matched}, err
	}
	outcome := Opened
	if b.everOpened && b.lastName == matched {
		outcome = Reopened
	}
	if from != "" {
		outcome = Changed
		metrics.IncSerialReopen()
	}
	b.port = p
	b.deviceName = matched
	b.lastName = matched
	b.everOpened = true
	return OpenResult{Outcome: outcome, Name: matched, From: from}, nil
}

// IsOpen reports whether a device is currently open.
func (b *Bridge) IsOpen() bool { return b.port != nil }

// Write drains frame to the open port, slicing it into MaxChunk pieces and
// retrying partial writes until the frame is fully sent or WriteTimeout has
// elapsed since the call began. A timeout does not close the link.
func (b *Bridge) Write(frame []byte) error {
	if b.port == nil {
		return ErrNotOpen
	}
	deadline := time.Now().Add(WriteTimeout)
	for len(frame) > 0 {
		end := len(frame)
		if end > MaxChunk {
			end = MaxChunk
		}
		chunk := frame[:end]
		for len(chunk) > 0 {
			if time.Now().After(deadline) {
				metrics.IncSerialWriteTimeout()
				return ErrWriteTimeout
			}
			n, err := b.port.Write(chunk)
			if err != nil {
				return err
			}
			chunk = chunk[n:]
		}
		frame = frame[end:]
	}
	metrics.IncSerialWrite()
	return nil
}

// Close closes the open port, if any, without forgetting the device name
// (so a subsequent Open of the same fragment reports Reopened).
func (b *Bridge) Close() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.deviceName = ""
	return err
}
