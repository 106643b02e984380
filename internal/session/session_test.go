package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/devices"
	"github.com/kstaniek/go-kvm-server/internal/mjpg"
	"github.com/kstaniek/go-kvm-server/internal/serialbridge"
	"github.com/kstaniek/go-kvm-server/internal/serialport"
	"github.com/kstaniek/go-kvm-server/internal/wire"
	"github.com/kstaniek/go-kvm-server/internal/worker"
)

type fakeEnum struct {
	serial   []devices.SerialPort
	captures []devices.Capture
	err      error
}

func (f fakeEnum) ListSerial() ([]devices.SerialPort, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.serial, nil
}

func (f fakeEnum) ListCaptures() ([]devices.Capture, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.captures, nil
}

type fakePort struct {
	buf    bytes.Buffer
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error)  { return 0, nil }
func (p *fakePort) Write(b []byte) (int, error) { p.buf.Write(b); return len(b), nil }
func (p *fakePort) Close() error                { p.closed = true; return nil }

func newTestServer(t *testing.T, enum devices.Enumerator) (*Server, func()) {
	t.Helper()
	port := &fakePort{}
	bridge := serialbridge.New(func(cfg serialport.Config) (serialport.Port, error) { return port, nil })
	sup := mjpg.NewSupervisor(t.TempDir(), "")
	w := worker.New(context.Background(), 4)
	srv := New(
		WithListenAddr(":0"),
		WithEnumerator(enum),
		WithSerialBridge(bridge),
		WithMjpgSupervisor(sup),
		WithWorker(w),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}
	return srv, cancel
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write(wire.EncodeHandshake()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read handshake echo: %v", err)
	}
	if !bytes.Equal(buf, []byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeHandshake}) {
		t.Fatalf("unexpected handshake echo: %v", buf)
	}
	return conn
}

func TestHandshake_SucceedsAndEchoes(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()
}

func TestHandshake_BadFirstFrameIsDropped(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(wire.EncodeGoodbye()); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection closed after bad handshake")
	}
}

func TestHandshake_LeadingGarbageIsRejectedNotResynced(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	garbage := []byte{0x00, 0x01, 0x02}
	msg := append(garbage, wire.EncodeHandshake()...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection closed: a valid handshake behind leading garbage must not be resynced to")
	}
}

func TestPendingPeer_DisplacedByNewConnectionBeforeHandshake(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()

	stale, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial stale: %v", err)
	}
	defer stale.Close()

	time.Sleep(20 * time.Millisecond) // let the accept goroutine register stale as the pending peer

	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	_ = stale.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := stale.Read(buf); err == nil {
		t.Fatal("expected the stale pending connection to be closed once displaced")
	}
}

func TestGoodbye_TearsDownAndFreesSlot(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	if _, err := conn.Write(wire.EncodeGoodbye()); err != nil {
		t.Fatalf("write goodbye: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn2, err := net.DialTimeout("tcp", srv.Addr(), time.Second); err == nil {
			if _, err := conn2.Write(wire.EncodeHandshake()); err == nil {
				buf := make([]byte, 4)
				if _, err := io.ReadFull(conn2, buf); err == nil {
					conn2.Close()
					return
				}
			}
			conn2.Close()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("slot never freed after goodbye")
}

func TestAskAlive_DisplacesStalePeerAfterTimeout(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	first := dialAndHandshake(t, srv.Addr())
	defer first.Close()

	second, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	if _, err := second.Write(wire.EncodeHandshake()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_ = first.SetReadDeadline(time.Now().Add(askAliveTimeout + time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(first, buf); err != nil {
		t.Fatalf("expected ask-alive probe: %v", err)
	}
	if buf[3] != wire.TypeAskAlive {
		t.Fatalf("expected ask-alive type byte, got %x", buf[3])
	}

	_ = second.SetReadDeadline(time.Now().Add(askAliveTimeout + time.Second))
	echo := make([]byte, 4)
	if _, err := io.ReadFull(second, echo); err != nil {
		t.Fatalf("expected displaced peer to be promoted: %v", err)
	}
	if echo[3] != wire.TypeHandshake {
		t.Fatalf("expected handshake echo for new peer, got %x", echo[3])
	}
}

func TestAskAlive_RetainsPeerThatReplies(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	first := dialAndHandshake(t, srv.Addr())
	defer first.Close()

	second, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	if _, err := second.Write(wire.EncodeHandshake()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_ = first.SetReadDeadline(time.Now().Add(askAliveTimeout + time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(first, buf); err != nil {
		t.Fatalf("expected ask-alive probe: %v", err)
	}
	if _, err := first.Write(wire.EncodeReplyAlive()); err != nil {
		t.Fatalf("write reply-alive: %v", err)
	}

	_ = second.SetReadDeadline(time.Now().Add(askAliveTimeout + time.Second))
	echo := make([]byte, 1)
	if _, err := second.Read(echo); err == nil {
		t.Fatal("expected displaced connection to be closed, not promoted")
	}
}

func TestOpenUart_Outcomes(t *testing.T) {
	enum := fakeEnum{serial: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	srv, cancel := newTestServer(t, enum)
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	req := append([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeOpenUartReq}, encodeName("ttyUSB")...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write open-uart: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	resp := readStatusResponse(t, conn, wire.TypeOpenUartRes)
	if resp.code != wire.StatusSuccess || resp.detail != "Opened" {
		t.Fatalf("got %+v", resp)
	}
}

func TestOpenUart_NoMatchIsServerError(t *testing.T) {
	enum := fakeEnum{serial: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	srv, cancel := newTestServer(t, enum)
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	req := append([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeOpenUartReq}, encodeName("nope")...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	resp := readStatusResponse(t, conn, wire.TypeOpenUartRes)
	if resp.code != wire.StatusFailure {
		t.Fatalf("expected failure, got %+v", resp)
	}
}

func TestSendKey_PressAndReleaseRoundTrip(t *testing.T) {
	enum := fakeEnum{serial: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	srv, cancel := newTestServer(t, enum)
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	open := append([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeOpenUartReq}, encodeName("ttyUSB")...)
	conn.Write(open)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	readStatusResponse(t, conn, wire.TypeOpenUartRes)

	press := []byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeSendKeyReq, wire.KeyPress, 'A'}
	conn.Write(press)
	resp := readStatusResponse(t, conn, wire.TypeSendKeyRes)
	if resp.code != wire.StatusSuccess || resp.detail != `Key "A" press` {
		t.Fatalf("got %+v", resp)
	}
}

func TestSendKey_WithoutOpenUartIsSerialError(t *testing.T) {
	srv, cancel := newTestServer(t, fakeEnum{})
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	press := []byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeSendKeyReq, wire.KeyPress, 'A'}
	conn.Write(press)
	resp := readStatusResponse(t, conn, wire.TypeSendKeyRes)
	if resp.code != wire.StatusFailure {
		t.Fatalf("expected failure without an open serial link, got %+v", resp)
	}
}

func TestSendAtx_ValidSignalRoundTrip(t *testing.T) {
	enum := fakeEnum{serial: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	srv, cancel := newTestServer(t, enum)
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	conn.Write(append([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeOpenUartReq}, encodeName("ttyUSB")...))
	readStatusResponse(t, conn, wire.TypeOpenUartRes)

	conn.Write([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeSendAtxReq, wire.ATXShortPower})
	resp := readStatusResponse(t, conn, wire.TypeSendAtxRes)
	if resp.code != wire.StatusSuccess || resp.detail != "Signal <FD> sent" {
		t.Fatalf("got %+v", resp)
	}
}

func TestSendAtx_InvalidSignalIsProtocolError(t *testing.T) {
	enum := fakeEnum{serial: []devices.SerialPort{{Name: "/dev/ttyUSB0"}}}
	srv, cancel := newTestServer(t, enum)
	defer cancel()
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	conn.Write(append([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeOpenUartReq}, encodeName("ttyUSB")...))
	readStatusResponse(t, conn, wire.TypeOpenUartRes)

	conn.Write([]byte{wire.Magic[0], wire.Magic[1], wire.Magic[2], wire.TypeSendAtxReq, 0x01})
	resp := readStatusResponse(t, conn, wire.TypeSendAtxRes)
	if resp.code != wire.StatusFailure {
		t.Fatalf("expected protocol error for signal 0x01, got %+v", resp)
	}
}

// --- helpers ---

type statusResponse struct {
	code   byte
	detail string
}

func readStatusResponse(t *testing.T, conn net.Conn, wantType byte) statusResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read response header: %v", err)
	}
	if hdr[3] != wantType {
		t.Fatalf("expected response type %x, got %x", wantType, hdr[3])
	}
	n := int(hdr[5])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("read response detail: %v", err)
		}
	}
	return statusResponse{code: hdr[4], detail: string(body)}
}

func encodeName(name string) []byte {
	return append([]byte{byte(len(name))}, []byte(name)...)
}


