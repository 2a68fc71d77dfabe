// Package portalserver implements the single-transport acceptor of
// spec.md §4.F: a listener, an accept loop, a capacity-bounded session
// registry, and graceful shutdown.
package portalserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/skagerrak/portal/internal/dispatch"
	"github.com/skagerrak/portal/internal/logging"
	"github.com/skagerrak/portal/internal/portalerr"
	"github.com/skagerrak/portal/internal/session"
	"github.com/skagerrak/portal/internal/transport"
)

// busyMessage is the single line a socket receives when the registry is
// at capacity, before being closed with no session created (spec.md §4.F).
const busyMessage = "Server busy. Try again later.\r\n"

// HandlerFactory produces a fresh application handler for each accepted
// connection (spec.md §9: a registry of factory constructors, not
// dynamic class resolution).
type HandlerFactory func() dispatch.Handler

// Config configures one Server (spec.md §3's per-transport Server record).
type Config struct {
	ListenAddr     string
	Kind           transport.Kind
	MaxConnections int
	DrainDeadline  time.Duration // default 10s (spec.md §4.F)
	Session        session.Config
	HandlerFactory HandlerFactory
	Publisher      session.Publisher

	// UseSSL wraps the bound listener in crypto/tls when set (spec.md
	// §6.2's use_ssl/ssl_cert/ssl_key). SSLCertFile/SSLKeyFile are the
	// certificate and key paths; both are required when UseSSL is true.
	UseSSL      bool
	SSLCertFile string
	SSLKeyFile  string
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 10 * time.Second
	}
	return c
}

// Server is a single-transport acceptor (spec.md §4.F).
type Server struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	capMu  sync.Mutex
	active int

	registry *session.Registry
	wg       sync.WaitGroup
}

// New creates a Server bound to cfg. It does not listen until Start.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.HandlerFactory == nil {
		return nil, fmt.Errorf("%w: handler factory is required", portalerr.ErrConfig)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("%w: listen address is required", portalerr.ErrConfig)
	}
	return &Server{cfg: cfg, registry: session.NewRegistry()}, nil
}

// Listen binds the listener and returns immediately, reporting a bind
// failure synchronously (spec.md §4.G: the supervisor confirms each
// configured server's bind before starting the next one, ruling out a
// partial run where an earlier server is already accepting connections
// when a later one fails to bind). Safe to call once; Serve binds lazily
// if it wasn't called first.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", portalerr.ErrBind, s.cfg.ListenAddr, err)
	}

	if s.cfg.UseSSL {
		cert, err := tls.LoadX509KeyPair(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("%w: loading TLS material for %s: %v", portalerr.ErrBind, s.cfg.ListenAddr, err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logging.Info("%s server listening on %s (tls=%v)", s.cfg.Kind, s.cfg.ListenAddr, s.cfg.UseSSL)
	return nil
}

// Serve runs the accept loop against the listener bound by Listen until
// ctx is cancelled or the listener closes. It blocks; callers typically
// invoke it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		listener = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(true)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			logging.Error("%s accept error: %v", s.cfg.Kind, err)
			continue
		}

		if !s.tryAdmit() {
			go s.rejectBusy(conn)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Start binds and serves in one call, for callers that have no need to
// confirm the bind before anything else proceeds.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close releases a listener bound by Listen when Serve is never going to
// be called (spec.md §4.G: a sibling server in the same supervisor run
// failed to bind, so this one's listener must be released rather than
// left open for the rest of the process's life).
func (s *Server) Close() error {
	return s.Shutdown(false)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// tryAdmit reserves one of MaxConnections slots, atomically with the
// capacity check, so the accept loop (or N concurrent AcceptWS calls) can
// never admit more than MaxConnections sessions regardless of how the
// actual session.Registry.Register calls that follow get scheduled
// (spec.md §8 invariant 3: |registry| ≤ maxConnections at every observable
// moment). Paired with release.
func (s *Server) tryAdmit() bool {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.active >= s.cfg.MaxConnections {
		return false
	}
	s.active++
	return true
}

func (s *Server) release() {
	s.capMu.Lock()
	s.active--
	s.capMu.Unlock()
}

func (s *Server) rejectBusy(raw net.Conn) {
	_, _ = raw.Write([]byte(busyMessage))
	_ = raw.Close()
	logging.Debug("%s rejected %s: at capacity (%d)", s.cfg.Kind, raw.RemoteAddr(), s.cfg.MaxConnections)
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer s.release()
	conn := transport.NewTCPConn(raw, s.cfg.Kind)
	s.runSession(conn)
}

// AcceptWS hands an already-upgraded WebSocket connection to the server
// the same way handleConn handles a raw TCP accept — used by the HTTP
// mux that fronts WebSocket/ws_telnet listeners (see cmd/portald).
func (s *Server) AcceptWS(conn transport.Conn) bool {
	if !s.tryAdmit() {
		_ = conn.Write([]byte(busyMessage))
		_ = conn.Close("overcapacity")
		logging.Debug("%s rejected %s: at capacity (%d)", s.cfg.Kind, conn.PeerAddress(), s.cfg.MaxConnections)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.runSession(conn)
	}()
	return true
}

func (s *Server) runSession(conn transport.Conn) {
	handler := s.cfg.HandlerFactory()
	sess := session.New(conn, handler, s.cfg.Publisher, s.cfg.Session)

	s.registry.Register(sess)
	defer s.registry.Unregister(sess.ID())

	logging.Debug("%s session %s started from %s", s.cfg.Kind, sess.ID(), conn.PeerAddress())
	reason := sess.Run()
	logging.Debug("%s session %s ended: %s", s.cfg.Kind, sess.ID(), reason)
}

// Registry exposes the live session table (read-only use: monitor
// snapshots, supervisor introspection).
func (s *Server) Registry() *session.Registry { return s.registry }

// Shutdown stops accepting and, if graceful, cancels every live session
// and waits up to the configured drain deadline before forcing closure
// (spec.md §4.F). Repeated calls are a no-op after the first.
func (s *Server) Shutdown(graceful bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	if !graceful {
		return nil
	}

	for _, info := range s.registry.ListActive() {
		if sess, ok := s.registry.Get(info.ID); ok {
			sess.Cancel("shutdown")
		}
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.cfg.DrainDeadline):
		logging.Warn("%s shutdown drain deadline exceeded; forcing remaining sessions closed", s.cfg.Kind)
		for _, info := range s.registry.ListActive() {
			if sess, ok := s.registry.Get(info.ID); ok {
				sess.Cancel("force-close")
			}
		}
	}
	return nil
}
