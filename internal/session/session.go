// Package session binds one transport instance to one handler (spec.md
// §4.E): it owns the session state machine, drives bytes through the
// Telnet codec (when present), the character editor, and the line
// dispatcher, and publishes lifecycle and traffic events to a monitor.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skagerrak/portal/internal/dispatch"
	"github.com/skagerrak/portal/internal/lineedit"
	"github.com/skagerrak/portal/internal/telnet"
	"github.com/skagerrak/portal/internal/transport"
)

// State is the session lifecycle (spec.md §3): it only advances
// monotonically through this order; Closed is terminal.
type State int

const (
	StateOpening State = iota
	StateNegotiating
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateNegotiating:
		return "negotiating"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode mirrors spec.md §3's buffer mode; CharacterMode is only meaningful
// once LINEMODE negotiates (this module tracks presence only — see
// DESIGN.md's Open Question decisions).
type Mode int

const (
	LineMode Mode = iota
	CharacterMode
)

// Info is the snapshot of a session exposed to the registry and the
// monitor bus (spec.md §6.3's SessionInfo).
type Info struct {
	ID         string
	Transport  transport.Kind
	RemoteAddr string
	IsNewest   bool
	CreatedAt  time.Time
}

// Publisher receives the lifecycle/traffic events of spec.md §4.H. A
// session never imports the monitor package directly — it is handed a
// Publisher at construction (spec.md §9: "no ambient global").
type Publisher interface {
	SessionStarted(info Info)
	SessionEnded(id string)
	ClientInput(sessionID, text string)
	ServerMessage(sessionID, text string)
}

// Config holds the per-session timing and policy knobs of spec.md §5.
type Config struct {
	WelcomeMessage        string
	Prompt                string // default "> "
	IdleTimeout           time.Duration
	NegotiationQuiescence time.Duration // default 500ms
	HandlerTimeout        time.Duration // default 30s; not enforced: handler callbacks run without a deadline
}

func (c Config) withDefaults() Config {
	if c.Prompt == "" {
		c.Prompt = "> "
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.NegotiationQuiescence <= 0 {
		c.NegotiationQuiescence = 500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Session is not safe for concurrent use by more than the single pipeline
// goroutine that calls Run; state, createdAt, and lastActivityAt are
// guarded separately because the registry and the monitor bus read them
// from other goroutines (spec.md §5).
type Session struct {
	id      string
	conn    transport.Conn
	handler dispatch.Handler
	pub     Publisher
	cfg     Config

	codec  *telnet.Codec
	editor *lineedit.Editor

	mu             sync.Mutex
	state          State
	mode           Mode
	createdAt      time.Time
	lastActivityAt time.Time

	cancelCh   chan struct{}
	cancelOnce sync.Once
	reason     string

	writeMu sync.Mutex
}

// New creates a session around an already-accepted transport connection.
// A Telnet codec is wired in automatically for KindTelnet/KindWSTelnet
// connections (spec.md §4.B/§6.3: ws_telnet layers the codec atop the
// WebSocket byte queue exactly as Telnet-over-TCP does atop raw TCP).
func New(conn transport.Conn, handler dispatch.Handler, pub Publisher, cfg Config) *Session {
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		handler:   handler,
		pub:       pub,
		cfg:       cfg.withDefaults(),
		state:     StateOpening,
		createdAt: time.Now(),
		cancelCh:  make(chan struct{}),
	}
	s.lastActivityAt = s.createdAt

	switch conn.Kind() {
	case transport.KindTelnet, transport.KindWSTelnet:
		s.codec = telnet.NewCodec()
	}

	s.editor = lineedit.NewEditor(func(b []byte) { _ = s.rawWrite(b) })
	return s
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// CreatedAt returns the session's creation time, used by the registry to
// derive IsNewest (spec.md §9 open question: greatest createdAt, ties
// broken by id).
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Info returns a snapshot suitable for the monitor bus. IsNewest is left
// false; only the registry can derive it across the live set.
func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		Transport:  s.conn.Kind(),
		RemoteAddr: s.conn.PeerAddress(),
		CreatedAt:  s.CreatedAt(),
	}
}

// Cancel requests termination with the given reason. Server shutdown and
// the idle timeout both end a session through this one idempotent call; a
// handler ends its session by returning Continue: false instead.
func (s *Session) Cancel(reason string) {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.cancelCh)
		_ = s.conn.Close(reason)
	})
}

func (s *Session) rawWrite(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.codec != nil {
		b = s.codec.Encode(b)
	}
	err := s.conn.Write(b)
	s.touch()
	return err
}

func (s *Session) writeLine(text string) {
	_ = s.rawWrite([]byte(text + "\r\n"))
	if s.pub != nil {
		s.pub.ServerMessage(s.id, text)
	}
}

func (s *Session) writePrompt() {
	_ = s.rawWrite([]byte(s.cfg.Prompt))
}

type readResult struct {
	data []byte
	err  error
}

func (s *Session) readPump(out chan<- readResult) {
	defer close(out)
	for {
		data, err := s.conn.ReadSome(4096)
		select {
		case out <- readResult{data, err}:
		case <-s.cancelCh:
			return
		}
		if err != nil || len(data) == 0 {
			return
		}
	}
}

func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(s.lastActivity()) > s.cfg.IdleTimeout {
				s.Cancel("idle")
				return
			}
		case <-s.cancelCh:
			return
		}
	}
}

// Run drives the session pipeline to completion (spec.md §4.E): welcome,
// negotiation, the read/process loop, and termination. It returns the
// reason the session ended.
func (s *Session) Run() string {
	s.setState(StateOpening)
	if s.cfg.WelcomeMessage != "" {
		_ = s.rawWrite([]byte(s.cfg.WelcomeMessage + "\r\n"))
	}
	s.setState(StateNegotiating)

	go s.idleWatchdog()

	reads := make(chan readResult, 1)
	go s.readPump(reads)

	var quietTimer *time.Timer
	var quietC <-chan time.Time
	if s.codec != nil {
		_ = s.rawWrite(s.codec.InitialNegotiation())
		quietTimer = time.NewTimer(s.cfg.NegotiationQuiescence)
		quietC = quietTimer.C
	} else {
		s.enterRunning()
	}

	reason := "closed"
loop:
	for {
		select {
		case <-s.cancelCh:
			s.mu.Lock()
			reason = s.reason
			s.mu.Unlock()
			break loop

		case <-quietC:
			quietC = nil
			s.enterRunning()

		case r, ok := <-reads:
			if !ok || r.err != nil || len(r.data) == 0 {
				if errors.Is(r.err, transport.ErrFrameTooLarge) {
					reason = "protocol-error"
				} else if r.err != nil {
					reason = "transport-fault"
				} else {
					reason = "eof"
				}
				break loop
			}
			s.touch()

			if done := s.handleInbound(r.data, quietTimer, &quietC); done != "" {
				reason = done
				break loop
			}
		}
	}

	if quietTimer != nil {
		quietTimer.Stop()
	}

	s.setState(StateClosing)
	s.handler.OnDisconnect()
	if s.pub != nil {
		s.pub.SessionEnded(s.id)
	}
	_ = s.conn.Close(reason)
	s.setState(StateClosed)
	return reason
}

func (s *Session) enterRunning() {
	if s.State() == StateRunning {
		return
	}
	s.setState(StateRunning)
	if s.pub != nil {
		s.pub.SessionStarted(s.Info())
	}
	for _, line := range s.handler.OnConnect() {
		s.writeLine(line)
	}
}

// handleInbound pushes raw bytes through the codec (if any) and the line
// editor, dispatching any whole lines produced. It returns a non-empty
// termination reason when the session should end.
func (s *Session) handleInbound(data []byte, quietTimer *time.Timer, quietC *<-chan time.Time) string {
	clean := data
	if s.codec != nil {
		var replies []byte
		clean, replies = s.codec.Feed(data)
		if len(replies) > 0 {
			_ = s.rawWrite(replies)
			if quietTimer != nil && s.State() == StateNegotiating {
				if !quietTimer.Stop() {
					select {
					case <-quietTimer.C:
					default:
					}
				}
				quietTimer.Reset(s.cfg.NegotiationQuiescence)
				*quietC = quietTimer.C
			}
		}
		if s.codec.LastErr != nil {
			return "protocol-error"
		}
		s.editor.Echo = s.codec.EchoEnabled()
	}

	lines, sig := s.editor.Feed(clean)
	for _, line := range lines {
		if reason := s.dispatchLine(line); reason != "" {
			return reason
		}
	}

	switch sig {
	case lineedit.SignalInterrupt:
		return "client-interrupt"
	case lineedit.SignalEOF:
		return "client-eof"
	}
	return ""
}

func (s *Session) dispatchLine(line string) string {
	if s.pub != nil {
		s.pub.ClientInput(s.id, line)
	}

	result := dispatch.Dispatch(s.handler, line)
	for _, out := range result.Outputs {
		s.writeLine(out)
	}
	if !result.Continue {
		return "client-quit"
	}
	if s.State() == StateRunning {
		s.writePrompt()
	}
	return ""
}

// String implements fmt.Stringer for diagnostic logging.
func (s *Session) String() string {
	return fmt.Sprintf("session[%s %s %s]", s.id, s.conn.Kind(), strings.TrimSpace(s.State().String()))
}
