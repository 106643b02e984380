package wire

import (
	"bytes"

	"github.com/kstaniek/go-kvm-server/internal/metrics"
)

// Request is a decoded client frame. Kind holds the original request type
// byte; only the fields relevant to that Kind are populated.
type Request struct {
	Kind byte

	Name string // open-uart-req, run-mjpg-req

	Width, Height uint16 // run-mjpg-req
	FPS           uint8  // run-mjpg-req
	Port          uint16 // run-mjpg-req

	KeyFlag byte   // send-key-req
	Key     byte   // send-key-req (press/release)
	Text    []byte // send-key-req (text)

	MouseFlag byte // send-mouse-req
	Button    byte // send-mouse-req (press/release)
	DX, DY    int8 // send-mouse-req (move)

	ATXSignal byte // send-atx-req
}

// Decoder is a resumable streaming parser: it remembers nothing beyond the
// bytes it has not yet been able to turn into a full request, so feeding it
// one byte at a time yields exactly the same requests as feeding it whole.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends newly-read bytes to the decoder's pending buffer.
func (d *Decoder) Feed(p []byte) { d.buf.Write(p) }

// Next attempts to pull one complete request out of the buffered bytes.
// ok is false when more bytes are needed; callers should read more from the
// socket and call Next again. Bytes before the next magic are discarded, and
// frames of unknown type are skipped and counted as malformed; neither is
// surfaced as an error.
func (d *Decoder) Next() (req *Request, ok bool) {
	for {
		data := d.buf.Bytes()
		if len(data) < 3 {
			return nil, false
		}
		i := bytes.Index(data, Magic[:])
		if i < 0 {
			// Keep the last 2 bytes: they might be the first two bytes of a
			// magic that straddles this read and the next.
			if d.buf.Len() > 2 {
				tail := append([]byte(nil), data[len(data)-2:]...)
				d.buf.Reset()
				d.buf.Write(tail)
			}
			return nil, false
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}
		if len(data) < 4 {
			return nil, false
		}
		typ := data[3]
		body := data[4:]
		if !knownRequestType(typ) {
			metrics.IncMalformed()
			d.buf.Next(4)
			continue
		}
		need, have := requestBodyLen(typ, body)
		if !have {
			return nil, false
		}
		if len(body) < need {
			return nil, false
		}
		r := parseBody(typ, body[:need])
		d.buf.Next(4 + need)
		return r, true
	}
}

func knownRequestType(typ byte) bool {
	switch typ {
	case TypeHandshake, TypeGoodbye, TypeReplyAlive,
		TypeListUartReq, TypeListCapReq, TypeRunMjpgReq, TypeOpenUartReq,
		TypeSendKeyReq, TypeSendMouseReq, TypeSendAtxReq:
		return true
	default:
		return false
	}
}

// requestBodyLen returns the number of body bytes a request of this type
// requires, and whether that number can already be determined from the
// bytes buffered so far (length-prefixed bodies need their prefix first).
func requestBodyLen(typ byte, body []byte) (need int, have bool) {
	switch typ {
	case TypeHandshake, TypeGoodbye, TypeReplyAlive, TypeListUartReq, TypeListCapReq:
		return 0, true

	case TypeRunMjpgReq:
		if len(body) < 1 {
			return 0, false
		}
		n := int(body[0])
		return 1 + n + 2 + 2 + 1 + 2, true

	case TypeOpenUartReq:
		if len(body) < 1 {
			return 0, false
		}
		n := int(body[0])
		return 1 + n, true

	case TypeSendKeyReq:
		if len(body) < 1 {
			return 0, false
		}
		switch body[0] {
		case KeyPress, KeyRelease:
			return 2, true
		case KeyClear:
			return 1, true
		case KeyText:
			if len(body) < 3 {
				return 0, false
			}
			n := int(body[1])<<8 | int(body[2])
			return 3 + n, true
		default:
			return 1, true
		}

	case TypeSendMouseReq:
		if len(body) < 1 {
			return 0, false
		}
		switch body[0] {
		case MousePress, MouseRelease:
			return 2, true
		case MouseMove:
			return 3, true
		case MouseWheelUp, MouseWheelDown, MouseClear:
			return 1, true
		default:
			return 1, true
		}

	case TypeSendAtxReq:
		return 1, true

	default:
		return 0, true
	}
}

func parseBody(typ byte, body []byte) *Request {
	r := &Request{Kind: typ}
	switch typ {
	case TypeRunMjpgReq:
		n := int(body[0])
		r.Name = string(body[1 : 1+n])
		rest := body[1+n:]
		r.Width = uint16(rest[0])<<8 | uint16(rest[1])
		r.Height = uint16(rest[2])<<8 | uint16(rest[3])
		r.FPS = rest[4]
		r.Port = uint16(rest[5])<<8 | uint16(rest[6])

	case TypeOpenUartReq:
		n := int(body[0])
		r.Name = string(body[1 : 1+n])

	case TypeSendKeyReq:
		r.KeyFlag = body[0]
		switch r.KeyFlag {
		case KeyPress, KeyRelease:
			r.Key = body[1]
		case KeyText:
			n := int(body[1])<<8 | int(body[2])
			r.Text = append([]byte(nil), body[3:3+n]...)
		}

	case TypeSendMouseReq:
		r.MouseFlag = body[0]
		switch r.MouseFlag {
		case MousePress, MouseRelease:
			r.Button = body[1]
		case MouseMove:
			r.DX = int8(body[1])
			r.DY = int8(body[2])
		}

	case TypeSendAtxReq:
		r.ATXSignal = body[0]
	}
	return r
}
