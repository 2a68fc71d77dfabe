package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/skagerrak/portal/internal/session"
	"github.com/skagerrak/portal/internal/transport"
)

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return m
}

func recvEvent(t *testing.T, sub *Subscriber) map[string]any {
	t.Helper()
	select {
	case payload := <-sub.Outbound():
		return decode(t, payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func TestSubscribeSendsActiveSessionsSnapshot(t *testing.T) {
	bus := NewBus()
	bus.SessionStarted(session.Info{ID: "s1", Transport: transport.KindTCP, RemoteAddr: "1.2.3.4:1"})

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	ev := recvEvent(t, sub)
	if ev["type"] != "active_sessions" {
		t.Fatalf("type = %v, want active_sessions", ev["type"])
	}
	sessions, _ := ev["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v, want 1 entry", sessions)
	}
}

func TestSessionStartedAndEndedBroadcastToAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	recvEvent(t, sub) // initial empty snapshot

	bus.SessionStarted(session.Info{ID: "s1", Transport: transport.KindTCP, RemoteAddr: "1.2.3.4:1"})
	started := recvEvent(t, sub)
	if started["type"] != "session_started" {
		t.Fatalf("type = %v, want session_started", started["type"])
	}

	bus.SessionEnded("s1")
	ended := recvEvent(t, sub)
	if ended["type"] != "session_ended" {
		t.Fatalf("type = %v, want session_ended", ended["type"])
	}
}

func TestClientInputOnlyDeliveredToWatchers(t *testing.T) {
	bus := NewBus()
	bus.SessionStarted(session.Info{ID: "s1", Transport: transport.KindTCP})
	bus.SessionStarted(session.Info{ID: "s2", Transport: transport.KindTCP})

	watcher := bus.Subscribe()
	defer bus.Unsubscribe(watcher)
	recvEvent(t, watcher) // snapshot

	bystander := bus.Subscribe()
	defer bus.Unsubscribe(bystander)
	recvEvent(t, bystander) // snapshot

	bus.HandleCommand(watcher, Command{Type: "watch_session", SessionID: "s1"})
	recvEvent(t, watcher) // watch_response

	bus.ClientInput("s1", "hello")

	got := recvEvent(t, watcher)
	if got["type"] != "client_input" || got["session_id"] != "s1" {
		t.Fatalf("watcher event = %v, want client_input for s1", got)
	}

	select {
	case payload := <-bystander.Outbound():
		t.Fatalf("bystander received an event it never watched for: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}

	bus.ClientInput("s2", "ignored")
	select {
	case payload := <-watcher.Outbound():
		t.Fatalf("watcher received an event for a session it isn't watching: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopWatchingStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	recvEvent(t, sub)

	bus.HandleCommand(sub, Command{Type: "watch_session", SessionID: "s1"})
	recvEvent(t, sub)

	bus.HandleCommand(sub, Command{Type: "stop_watching", SessionID: "s1"})
	resp := recvEvent(t, sub)
	if resp["status"] != "stopped" {
		t.Fatalf("status = %v, want stopped", resp["status"])
	}

	bus.ClientInput("s1", "should not arrive")
	select {
	case payload := <-sub.Outbound():
		t.Fatalf("received event after stop_watching: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	recvEvent(t, sub) // drain the snapshot

	bus.HandleCommand(sub, Command{Type: "watch_session", SessionID: "s1"})
	recvEvent(t, sub) // drain the watch_response

	for i := 0; i < subscriberQueueSize+10; i++ {
		bus.ClientInput("s1", "flood")
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing subscriber was never disconnected")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // must not panic
}
