// Package serialport abstracts the physical serial device so the bridge
// logic above it can be exercised against a fake in tests.
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal surface SerialBridge needs from an open serial device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Config mirrors the handful of tarm/serial.Config fields this bridge cares
// about: a fixed baud rate and a read timeout. tarm/serial's Config has no
// write timeout; the caller applies its own deadline around Write.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// Open opens the named serial device with the given configuration.
func Open(cfg Config) (Port, error) {
	return serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
}
