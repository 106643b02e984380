package serialbridge

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/devices"
	"github.com/kstaniek/go-kvm-server/internal/serialport"
)

type fakePort struct {
	buf       bytes.Buffer
	closed    bool
	writeErr  error
	maxPerOne int // caps bytes accepted per Write call, simulating a slow line
}

func (p *fakePort) Read(b []byte) (int, error) { return 0, nil }

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b)
	if p.maxPerOne > 0 && n > p.maxPerOne {
		n = p.maxPerOne
	}
	p.buf.Write(b[:n])
	return n, nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

type fakeEnum struct {
	ports []devices.SerialPort
	err   error
}

func (f fakeEnum) ListSerial() ([]devices.SerialPort, error) { return f.ports, f.err }

func TestBridge_OpenFirstTime(t *testing.T) {
	port := &fakePort{}
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return port, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}

	res, err := b.Open("ttyUSB", enum)
	if err != nil || res.Outcome != Opened || res.Name != "/dev/ttyUSB0" {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestBridge_OpenAgainSameDeviceIsAlreadyOpened(t *testing.T) {
	port := &fakePort{}
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return port, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}

	b.Open("ttyUSB", enum)
	res, err := b.Open("ttyUSB", enum)
	if err != nil || res.Outcome != AlreadyOpened {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestBridge_OpenDifferentDeviceIsChanged(t *testing.T) {
	calls := 0
	ports := []*fakePort{{}, {}}
	b := New(func(cfg serialport.Config) (serialport.Port, error) {
		p := ports[calls]
		calls++
		return p, nil
	})
	enum0 := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	enum1 := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyACM0"}}}

	b.Open("ttyUSB", enum0)
	res, err := b.Open("ttyACM", enum1)
	if err != nil || res.Outcome != Changed || res.Name != "/dev/ttyACM0" || res.From != "/dev/ttyUSB0" {
		t.Fatalf("got %+v %v", res, err)
	}
	if !ports[0].closed {
		t.Fatal("expected previous port to be closed on switch")
	}
}

func TestBridge_ReopenSameDeviceAfterClose(t *testing.T) {
	port := &fakePort{}
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return port, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}

	b.Open("ttyUSB", enum)
	b.Close()
	res, err := b.Open("ttyUSB", enum)
	if err != nil || res.Outcome != Reopened {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestBridge_OpenNoMatchIsNoDevice(t *testing.T) {
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return &fakePort{}, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}

	res, err := b.Open("ttyACM", enum)
	if err != nil || res.Outcome != NoDevice || res.Name != "" {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestBridge_OpenEnumeratorErrorIsError(t *testing.T) {
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return &fakePort{}, nil })
	enum := fakeEnum{err: errors.New("boom")}

	res, err := b.Open("ttyUSB", enum)
	if err == nil || res.Outcome != Error {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestBridge_WriteWithoutOpenFails(t *testing.T) {
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return &fakePort{}, nil })
	if err := b.Write([]byte{1, 2, 3}); err != ErrNotOpen {
		t.Fatalf("got %v", err)
	}
}

func TestBridge_WriteDrainsInChunks(t *testing.T) {
	port := &fakePort{maxPerOne: 4}
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return port, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	b.Open("ttyUSB", enum)

	frame := make([]byte, MaxChunk+10)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := b.Write(frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(port.buf.Bytes(), frame) {
		t.Fatalf("port received %d bytes, want %d", port.buf.Len(), len(frame))
	}
}

func TestBridge_WriteTimesOutWithoutClosingLink(t *testing.T) {
	port := &fakePort{writeErr: nil, maxPerOne: 0}
	// A port that never accepts bytes (returns 0, nil) forces the timeout path.
	port.maxPerOne = -1
	stuck := &stuckPort{}
	b := New(func(cfg serialport.Config) (serialport.Port, error) { return stuck, nil })
	enum := fakeEnum{ports: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	b.Open("ttyUSB", enum)

	start := time.Now()
	err := b.Write([]byte{1, 2, 3})
	if err != ErrWriteTimeout {
		t.Fatalf("got %v", err)
	}
	if elapsed := time.Since(start); elapsed < WriteTimeout {
		t.Fatalf("returned before timeout elapsed: %v", elapsed)
	}
	if !b.IsOpen() {
		t.Fatal("write timeout must not close the link")
	}
}

// stuckPort accepts nothing, simulating a wedged line.
type stuckPort struct{}

func (stuckPort) Read(b []byte) (int, error)  { return 0, nil }
func (stuckPort) Write(b []byte) (int, error) { return 0, nil }
func (stuckPort) Close() error                { return nil }
