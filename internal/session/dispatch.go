package session

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-kvm-server/internal/metrics"
	"github.com/kstaniek/go-kvm-server/internal/mjpg"
	"github.com/kstaniek/go-kvm-server/internal/serialbridge"
	"github.com/kstaniek/go-kvm-server/internal/uartproto"
	"github.com/kstaniek/go-kvm-server/internal/wire"
)

// dispatch routes one decoded, accepted-session request to its handler.
func (s *Server) dispatch(ctx context.Context, p *peer, req *wire.Request) {
	switch req.Kind {
	case wire.TypeHandshake:
		_ = p.writeFrame(wire.EncodeHandshake())
	case wire.TypeReplyAlive:
		p.answerAskAlive()
	case wire.TypeListUartReq:
		s.handleListUart(p)
	case wire.TypeListCapReq:
		s.handleListCap(p)
	case wire.TypeOpenUartReq:
		s.handleOpenUart(p, req)
	case wire.TypeSendKeyReq:
		s.handleSendKey(p, req)
	case wire.TypeSendMouseReq:
		s.handleSendMouse(p, req)
	case wire.TypeSendAtxReq:
		s.handleSendAtx(p, req)
	case wire.TypeRunMjpgReq:
		s.handleRunMjpg(ctx, p, req)
	}
}

func (s *Server) handleListUart(p *peer) {
	ports, err := s.enumerator.ListSerial()
	if err != nil {
		metrics.IncError(metrics.ErrDeviceList)
		_ = p.writeFrame(wire.EncodeListUartResponse(nil))
		return
	}
	devs := make([]wire.SerialDeviceInfo, len(ports))
	for i, d := range ports {
		devs[i] = wire.SerialDeviceInfo{Name: d.Name, VID: d.VID, PID: d.PID}
	}
	_ = p.writeFrame(wire.EncodeListUartResponse(devs))
}

func (s *Server) handleListCap(p *peer) {
	caps, err := s.enumerator.ListCaptures()
	if err != nil {
		metrics.IncError(metrics.ErrDeviceList)
		_ = p.writeFrame(wire.EncodeListCapResponse(nil))
		return
	}
	devs := make([]wire.CaptureDeviceInfo, len(caps))
	for i, c := range caps {
		res := make([]wire.Resolution, len(c.Formats))
		for j, f := range c.Formats {
			res[j] = wire.Resolution{Width: f.Width, Height: f.Height, FPS: f.FPS}
		}
		devs[i] = wire.CaptureDeviceInfo{Name: c.Name, Resolutions: res}
	}
	_ = p.writeFrame(wire.EncodeListCapResponse(devs))
}

func (s *Server) handleOpenUart(p *peer, req *wire.Request) {
	if req.Name == "" {
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, false, "Protocol Error: serial device name length is 0"))
		return
	}
	res, err := s.bridge.Open(req.Name, s.enumerator)
	switch res.Outcome {
	case serialbridge.Opened:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, true, "Opened"))
	case serialbridge.AlreadyOpened:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, true, "Already opened"))
	case serialbridge.Reopened:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, true, "Re-opened"))
	case serialbridge.Changed:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, true, fmt.Sprintf("Changed from %q", res.From)))
	case serialbridge.NoDevice:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, false, fmt.Sprintf("Server Error: no such device %q", req.Name)))
	default:
		detail := fmt.Sprintf("Serial Error: cannot open device %q", req.Name)
		if err != nil {
			detail += ": " + err.Error()
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeOpenUartRes, false, detail))
	}
}

func keyText(key byte) string {
	if key < 0x80 && key >= 0x20 && key != 0x7F {
		return fmt.Sprintf("%q", string(rune(key)))
	}
	return fmt.Sprintf("<%02X>", key)
}

func (s *Server) handleSendKey(p *peer, req *wire.Request) {
	switch req.KeyFlag {
	case wire.KeyPress, wire.KeyRelease:
		press := req.KeyFlag == wire.KeyPress
		action := "release"
		if press {
			action = "press"
		}
		if err := s.bridge.Write(uartproto.KeyClick(press, req.Key)); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, false,
				fmt.Sprintf("Serial Error: send %s key %s timeout", action, keyText(req.Key))))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, true,
			fmt.Sprintf("Key %s %s", keyText(req.Key), action)))

	case wire.KeyClear:
		if err := s.bridge.Write(uartproto.KeyClear()); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, false, "Serial Error: send release-all-keys command timeout"))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, true, "Released all keys"))

	case wire.KeyText:
		if len(req.Text) == 0 {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, false, "Protocol Error: text-enter with zero length"))
			return
		}
		for _, ch := range req.Text {
			if err := s.bridge.Write(uartproto.TextEnter(ch)); err != nil {
				_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, false, "Serial Error: send text characters timeout"))
				return
			}
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, true, fmt.Sprintf("Sent %d text characters", len(req.Text))))

	default:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendKeyRes, false, fmt.Sprintf("Protocol Error: received flag <%02X> is invalid", req.KeyFlag)))
	}
}

func buttonName(b byte) string {
	switch b {
	case uartproto.MouseLeft:
		return "left"
	case uartproto.MouseRight:
		return "right"
	case uartproto.MouseMiddle:
		return "middle"
	default:
		return fmt.Sprintf("<%02X>", b)
	}
}

func (s *Server) handleSendMouse(p *peer, req *wire.Request) {
	switch req.MouseFlag {
	case wire.MousePress, wire.MouseRelease:
		if req.Button != uartproto.MouseLeft && req.Button != uartproto.MouseRight && req.Button != uartproto.MouseMiddle {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false, fmt.Sprintf("Protocol Error: invalid mouse button <%02X>", req.Button)))
			return
		}
		press := req.MouseFlag == wire.MousePress
		action := "release"
		if press {
			action = "press"
		}
		if err := s.bridge.Write(uartproto.MouseClick(press, req.Button)); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false,
				fmt.Sprintf("Serial Error: send %s mouse button %s timeout", action, buttonName(req.Button))))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, true,
			fmt.Sprintf("Mouse button %s %s", buttonName(req.Button), action)))

	case wire.MouseMove:
		if err := s.bridge.Write(uartproto.MouseMove(req.DX, req.DY)); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false, "Serial Error: send mouse move command timeout"))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, true, fmt.Sprintf("Mouse shifted (%d, %d)", req.DX, req.DY)))

	case wire.MouseWheelUp, wire.MouseWheelDown:
		up := req.MouseFlag == wire.MouseWheelUp
		orient := "down"
		if up {
			orient = "up"
		}
		if err := s.bridge.Write(uartproto.MouseWheel(up)); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false, fmt.Sprintf("Serial Error: send mouse scroll wheel %s timeout", orient)))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, true, fmt.Sprintf("Mouse scrolled wheel %s", orient)))

	case wire.MouseClear:
		if err := s.bridge.Write(uartproto.MouseClear()); err != nil {
			_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false, "Serial Error: send release-all-mouse-buttons command timeout"))
			return
		}
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, true, "Released all mouse buttons"))

	default:
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendMouseRes, false, fmt.Sprintf("Protocol Error: received flag <%02X> is invalid", req.MouseFlag)))
	}
}

func (s *Server) handleSendAtx(p *peer, req *wire.Request) {
	cmd, ok := uartproto.ATXCommand(req.ATXSignal)
	if !ok {
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendAtxRes, false, fmt.Sprintf("Protocol Error: received invalid signal <%02X>", req.ATXSignal)))
		return
	}
	if err := s.bridge.Write(uartproto.ATXSignal(cmd)); err != nil {
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendAtxRes, false, fmt.Sprintf("Serial Error: send signal <%02X> timeout", req.ATXSignal)))
		return
	}
	_ = p.writeFrame(wire.EncodeStatus(wire.TypeSendAtxRes, true, fmt.Sprintf("Signal <%02X> sent", req.ATXSignal)))
}

// handleRunMjpg resolves the requested capture against the enumerator and,
// if found, defers the actual spawn/restart to the background worker so the
// session goroutine is never blocked on WAIT_START_MJPG / WAIT_STOP_MJPG.
func (s *Server) handleRunMjpg(ctx context.Context, p *peer, req *wire.Request) {
	caps, err := s.enumerator.ListCaptures()
	if err != nil {
		metrics.IncError(metrics.ErrDeviceList)
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeRunMjpgRes, false, "Server Error: capture enumeration failed"))
		return
	}
	found := false
	capture := ""
	for _, c := range caps {
		if contains(c.Name, req.Name) {
			found = true
			capture = c.Name
			break
		}
	}
	if !found {
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeRunMjpgRes, false, fmt.Sprintf("Server Error: no such capture device %q", req.Name)))
		return
	}

	cfg := mjpg.Config{Capture: capture, Width: req.Width, Height: req.Height, FPS: req.FPS, Port: req.Port}
	err = s.worker.Submit(func(wctx context.Context) {
		res := s.mjpg.Ensure(cfg)
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeRunMjpgRes, res.OK, res.Detail))
	})
	if err != nil {
		_ = p.writeFrame(wire.EncodeStatus(wire.TypeRunMjpgRes, false, "Server Error: busy, try again"))
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return len(substr) == 0
}
