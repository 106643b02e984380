package session

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/logging"
)

// sendTimeout bounds one writeFrame call; bytes not sent by then are dropped.
const sendTimeout = 10 * time.Second

// peer is the single in-flight TCP connection, pending or accepted. All
// writes to conn go through writeFrame so a deferred worker task (an
// ask-alive probe answer, a run-mjpg result) can never interleave its bytes
// with a session-goroutine write.
type peer struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	aliveMu sync.Mutex
	aliveCh chan struct{} // non-nil while an ask-alive probe is outstanding
}

func newPeer(conn net.Conn, base *slog.Logger) *peer {
	return &peer{conn: conn, logger: logging.WithPeer(base, conn.RemoteAddr().String())}
}

func (p *peer) writeFrame(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := p.conn.Write(b)
	return err
}

// armAskAlive opens a window for answerAskAlive to report a reply. Returns
// the channel to wait on.
func (p *peer) armAskAlive() <-chan struct{} {
	p.aliveMu.Lock()
	defer p.aliveMu.Unlock()
	ch := make(chan struct{})
	p.aliveCh = ch
	return ch
}

// answerAskAlive is called from the read loop when a reply-alive request
// arrives. It is a no-op if no probe is currently outstanding.
func (p *peer) answerAskAlive() {
	p.aliveMu.Lock()
	defer p.aliveMu.Unlock()
	if p.aliveCh != nil {
		close(p.aliveCh)
		p.aliveCh = nil
	}
}
