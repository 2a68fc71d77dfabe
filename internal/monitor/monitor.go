// Package monitor implements the process-wide publish/subscribe bus of
// spec.md §4.H: it receives every session's lifecycle and traffic
// events and fans a filtered copy of them out to external observers
// connected over the /monitor WebSocket endpoint.
package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skagerrak/portal/internal/logging"
	"github.com/skagerrak/portal/internal/session"
	"github.com/skagerrak/portal/internal/transport"
)

// subscriberQueueSize is the default bound on a subscriber's outbound
// event queue (spec.md §4.H: "default 1024 events").
const subscriberQueueSize = 1024

// Bus is the monitor singleton. It satisfies session.Publisher and is
// constructed once at startup and handed to every server and session
// by reference (spec.md §9: "no ambient global").
type Bus struct {
	mu          sync.RWMutex
	sessions    map[string]session.Info
	subscribers map[*Subscriber]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		sessions:    make(map[string]session.Info),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscriber is one external observer's view of the bus: a bounded
// outbound queue plus the set of session ids it is currently watching.
type Subscriber struct {
	id   string
	bus  *Bus
	out  chan []byte
	done chan struct{}
	conn transport.Conn // set by Serve; closed alongside the subscriber

	mu      sync.Mutex
	watched map[string]bool
	closed  bool
}

// Subscribe registers a new subscriber and immediately queues an
// active_sessions snapshot (spec.md §4.H).
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:      uuid.NewString(),
		bus:     b,
		out:     make(chan []byte, subscriberQueueSize),
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	sub.enqueue(mustMarshal(activeSessionsEvent{Type: "active_sessions", Sessions: snapshot}))
	return sub
}

// Unsubscribe removes sub from the bus. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

func (b *Bus) snapshotLocked() []sessionInfoWire {
	infos := make([]session.Info, 0, len(b.sessions))
	for _, info := range b.sessions {
		infos = append(infos, info)
	}
	return wireInfos(deriveIsNewest(infos))
}

// deriveIsNewest sets IsNewest on the entry with the greatest CreatedAt,
// ties broken by the lexicographically greatest id — the same rule the
// session registry applies (spec.md §9 open question).
func deriveIsNewest(infos []session.Info) []session.Info {
	var newestID string
	var newestCreated int64
	for _, info := range infos {
		created := info.CreatedAt.UnixNano()
		if created > newestCreated || (created == newestCreated && info.ID > newestID) {
			newestCreated = created
			newestID = info.ID
		}
	}
	for i := range infos {
		infos[i].IsNewest = infos[i].ID == newestID
	}
	return infos
}

// --- session.Publisher ---

// SessionStarted records the session and broadcasts session_started to
// every subscriber, not only those watching it (spec.md §4.H).
func (b *Bus) SessionStarted(info session.Info) {
	b.mu.Lock()
	b.sessions[info.ID] = info
	b.mu.Unlock()

	b.broadcast(mustMarshal(sessionStartedEvent{Type: "session_started", Session: wireInfo(info)}))
}

// SessionEnded forgets the session and broadcasts session_ended.
func (b *Bus) SessionEnded(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()

	b.broadcast(mustMarshal(sessionEndedEvent{Type: "session_ended", Session: idOnly{ID: id}}))
}

// ClientInput delivers a client_input event only to subscribers
// currently watching sessionID (spec.md §4.H).
func (b *Bus) ClientInput(sessionID, text string) {
	b.publishToWatchers(sessionID, mustMarshal(trafficEvent{
		Type:      "client_input",
		SessionID: sessionID,
		Data:      trafficData{Text: text, Timestamp: nowRFC3339()},
	}))
}

// ServerMessage delivers a server_message event only to subscribers
// currently watching sessionID.
func (b *Bus) ServerMessage(sessionID, text string) {
	b.publishToWatchers(sessionID, mustMarshal(trafficEvent{
		Type:      "server_message",
		SessionID: sessionID,
		Data:      trafficData{Text: text, Timestamp: nowRFC3339()},
	}))
}

func (b *Bus) broadcast(payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		b.deliver(sub, payload)
	}
}

func (b *Bus) publishToWatchers(sessionID string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.isWatching(sessionID) {
			b.deliver(sub, payload)
		}
	}
}

// deliver never blocks: a full queue disconnects the subscriber with
// reason slow-consumer rather than stalling the publisher (spec.md §4.H).
func (b *Bus) deliver(sub *Subscriber, payload []byte) {
	if !sub.enqueue(payload) {
		logging.Warn("monitor subscriber %s disconnected: slow consumer", sub.id)
		go b.Unsubscribe(sub)
	}
}

// --- subscriber commands ---

// Command is an inbound watch_session/stop_watching request from a
// subscriber (spec.md §6.3).
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// HandleCommand applies a decoded Command and queues the matching
// watch_response.
func (b *Bus) HandleCommand(sub *Subscriber, cmd Command) {
	switch cmd.Type {
	case "watch_session":
		sub.watch(cmd.SessionID)
		sub.enqueue(mustMarshal(watchResponseEvent{Type: "watch_response", SessionID: cmd.SessionID, Status: "success"}))
	case "stop_watching":
		sub.unwatch(cmd.SessionID)
		sub.enqueue(mustMarshal(watchResponseEvent{Type: "watch_response", SessionID: cmd.SessionID, Status: "stopped"}))
	default:
		sub.enqueue(mustMarshal(watchResponseEvent{Type: "watch_response", SessionID: cmd.SessionID, Status: "success", Error: "unknown command: " + cmd.Type}))
	}
}

func (s *Subscriber) watch(id string) {
	s.mu.Lock()
	s.watched[id] = true
	s.mu.Unlock()
}

func (s *Subscriber) unwatch(id string) {
	s.mu.Lock()
	delete(s.watched, id)
	s.mu.Unlock()
}

func (s *Subscriber) isWatching(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watched[id]
}

// Outbound returns the channel of pending JSON event payloads. The channel
// is never closed; a subscriber's delivery task reads it until Done is
// closed.
func (s *Subscriber) Outbound() <-chan []byte { return s.out }

// Done is closed when the subscriber has been unsubscribed (normally or
// as a slow consumer); a subscriber's read task selects on it to stop.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) enqueue(payload []byte) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	close(s.done)
	if conn != nil {
		_ = conn.Close("monitor-disconnect")
	}
}

// --- wire types ---

type sessionInfoWire struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Client    client    `json:"client"`
	IsNewest  bool      `json:"is_newest"`
	CreatedAt time.Time `json:"created_at"`
}

type client struct {
	RemoteAddr string `json:"remote_addr"`
}

type idOnly struct {
	ID string `json:"id"`
}

type activeSessionsEvent struct {
	Type     string             `json:"type"`
	Sessions []sessionInfoWire `json:"sessions"`
}

type sessionStartedEvent struct {
	Type    string          `json:"type"`
	Session sessionInfoWire `json:"session"`
}

type sessionEndedEvent struct {
	Type    string `json:"type"`
	Session idOnly `json:"session"`
}

type trafficData struct {
	Text      string `json:"text"`
	Timestamp string `json:"ts"`
}

type trafficEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      trafficData `json:"data"`
}

type watchResponseEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func wireInfo(info session.Info) sessionInfoWire {
	return sessionInfoWire{
		ID:        info.ID,
		Transport: string(info.Transport),
		Client:    client{RemoteAddr: info.RemoteAddr},
		IsNewest:  info.IsNewest,
		CreatedAt: info.CreatedAt,
	}
}

func wireInfos(infos []session.Info) []sessionInfoWire {
	out := make([]sessionInfoWire, len(infos))
	for i, info := range infos {
		out[i] = wireInfo(info)
	}
	return out
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every wire type above is a plain struct of strings, bools and
		// times; marshaling failure here would mean a programming error.
		panic(err)
	}
	return b
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
