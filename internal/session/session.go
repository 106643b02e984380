// Package session implements the single-client admission and dispatch
// engine: one accepted TCP peer at a time, a resumable binary-frame parser,
// and the handlers that turn client requests into serial writes, device
// queries, and mjpg-helper lifecycle actions.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/devices"
	"github.com/kstaniek/go-kvm-server/internal/logging"
	"github.com/kstaniek/go-kvm-server/internal/metrics"
	"github.com/kstaniek/go-kvm-server/internal/mjpg"
	"github.com/kstaniek/go-kvm-server/internal/serialbridge"
	"github.com/kstaniek/go-kvm-server/internal/wire"
	"github.com/kstaniek/go-kvm-server/internal/worker"
)

// Admission states of the single session slot.
type state int

const (
	stateEmpty state = iota
	statePending
	stateAccepted
)

const (
	idleTimeout      = 60 * time.Second
	askAliveTimeout  = 2 * time.Second
	readBufSize      = 4096
)

// Server owns the TCP listener and the single admitted session slot.
type Server struct {
	mu    sync.Mutex
	state state
	peer  *peer

	addr     string
	listener net.Listener

	enumerator devices.Enumerator
	bridge     *serialbridge.Bridge
	mjpg       *mjpg.Supervisor
	worker     *worker.Worker

	logger *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	closing   atomic.Bool

	wg sync.WaitGroup
}

type Option func(*Server)

func WithListenAddr(a string) Option                   { return func(s *Server) { s.addr = a } }
func WithEnumerator(e devices.Enumerator) Option        { return func(s *Server) { s.enumerator = e } }
func WithSerialBridge(b *serialbridge.Bridge) Option    { return func(s *Server) { s.bridge = b } }
func WithMjpgSupervisor(m *mjpg.Supervisor) Option      { return func(s *Server) { s.mjpg = m } }
func WithWorker(w *worker.Worker) Option                { return func(s *Server) { s.worker = w } }
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server. Callers should supply an enumerator, bridge,
// mjpg supervisor and worker; New fills in safe zero-value defaults only
// for the ones tests commonly stub independently.
func New(opts ...Option) *Server {
	s := &Server{
		addr:    ":7130",
		logger:  logging.L(),
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.enumerator == nil {
		s.enumerator = devices.Host{}
	}
	if s.bridge == nil {
		s.bridge = serialbridge.New(nil)
	}
	if s.worker == nil {
		s.worker = worker.New(context.Background(), 4)
	}
	return s
}

func (s *Server) Addr() string           { s.mu.Lock(); defer s.mu.Unlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve accepts TCP clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	metrics.SetReadinessFunc(func() bool { return !s.closing.Load() })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return wrap
		}
		metrics.IncTCPAccept()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.mu.Lock()
	switch s.state {
	case stateEmpty:
		p := newPeer(conn, s.logger)
		s.state = statePending
		s.peer = p
		metrics.SetSessionState(1)
		s.mu.Unlock()
		s.runPeer(ctx, p)
	case statePending:
		stale := s.peer
		p := newPeer(conn, s.logger)
		s.peer = p
		s.mu.Unlock()
		p.logger.Info("pending_peer_displaced")
		if stale != nil {
			_ = stale.conn.Close()
		}
		s.runPeer(ctx, p)
	case stateAccepted:
		cur := s.peer
		s.mu.Unlock()
		s.challenge(ctx, cur, conn)
	}
}

// challenge probes the currently accepted peer's liveness on behalf of a
// newly arrived connection, per the ask-alive protocol in §4.7.
func (s *Server) challenge(ctx context.Context, cur *peer, newConn net.Conn) {
	replyCh := cur.armAskAlive()
	if err := cur.writeFrame(wire.EncodeAskAlive()); err != nil {
		s.teardown(cur, "write failed during ask-alive")
		s.promoteNew(ctx, newConn)
		return
	}

	done := make(chan bool, 1)
	submitErr := s.worker.Submit(func(wctx context.Context) {
		select {
		case <-replyCh:
			done <- true
		case <-time.After(askAliveTimeout):
			done <- false
		case <-wctx.Done():
			done <- false
		}
	})
	if submitErr != nil {
		// Worker backlog saturated: fail safe by treating the peer as alive
		// rather than evicting it under load.
		_ = newConn.Close()
		return
	}

	if alive := <-done; alive {
		metrics.IncAskAliveRetained()
		cur.logger.Info("ask_alive_retained")
		_ = newConn.Close()
		return
	}

	metrics.IncAskAliveDisplacement()
	cur.logger.Info("ask_alive_displacement")
	s.teardown(cur, "ask-alive timeout")
	s.promoteNew(ctx, newConn)
}

func (s *Server) promoteNew(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.state != stateEmpty {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	p := newPeer(conn, s.logger)
	s.state = statePending
	s.peer = p
	metrics.SetSessionState(1)
	s.mu.Unlock()
	s.runPeer(ctx, p)
}

func (s *Server) runPeer(ctx context.Context, p *peer) {
	if !s.awaitHandshake(p) {
		return
	}

	dec := &wire.Decoder{}
	buf := make([]byte, readBufSize)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := p.conn.Read(buf)
		if err != nil {
			reason := "peer closed"
			if isTimeout(err) {
				reason = "socket timeout"
			}
			s.teardown(p, reason)
			return
		}
		dec.Feed(buf[:n])
		for {
			req, ok := dec.Next()
			if !ok {
				break
			}
			if req.Kind == wire.TypeGoodbye {
				s.teardown(p, "goodbye")
				return
			}
			s.dispatch(ctx, p, req)
		}
	}
}

// awaitHandshake reads the fixed-length handshake frame from a still-pending
// peer and compares it literally against the expected bytes, with no
// magic-resync tolerance: any mismatch in the first four bytes rejects and
// closes the connection immediately rather than scanning ahead for a valid
// frame. The tolerant, resync-on-garbage wire.Decoder only takes over once a
// peer has been accepted.
func (s *Server) awaitHandshake(p *peer) bool {
	want := append(append([]byte{}, wire.Magic[:]...), wire.TypeHandshake)
	got := make([]byte, len(want))
	_ = p.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	if _, err := io.ReadFull(p.conn, got); err != nil {
		s.teardown(p, "peer closed before handshake")
		return false
	}
	if !bytes.Equal(got, want) {
		metrics.IncHandshakeFail()
		p.logger.Warn("handshake_rejected", "got", got)
		s.teardown(p, "bad handshake")
		return false
	}
	s.promote(p)
	metrics.IncHandshakeOK()
	_ = p.writeFrame(wire.EncodeHandshake())
	return true
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (s *Server) promote(p *peer) {
	s.mu.Lock()
	if s.peer == p {
		s.state = stateAccepted
		metrics.SetSessionState(2)
	}
	s.mu.Unlock()
}

func (s *Server) teardown(p *peer, reason string) {
	s.mu.Lock()
	wasCurrent := s.peer == p
	if wasCurrent {
		s.peer = nil
		s.state = stateEmpty
		metrics.SetSessionState(0)
	}
	s.mu.Unlock()
	_ = p.conn.Close()
	if wasCurrent {
		_ = s.bridge.Close()
	}
	p.logger.Info("session_teardown", "reason", reason)
}

// Shutdown closes the listener, tears down the current peer with a
// best-effort goodbye, stops the worker, and then stops the mjpg helper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	p := s.peer
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if p != nil {
		_ = p.writeFrame(wire.EncodeGoodbye())
		s.teardown(p, "server shutdown")
	}
	s.worker.Close()
	if s.mjpg != nil {
		s.mjpg.Shutdown()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
