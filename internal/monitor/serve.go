package monitor

import (
	"encoding/json"

	"github.com/skagerrak/portal/internal/logging"
	"github.com/skagerrak/portal/internal/transport"
)

// Serve drives one subscriber's WebSocket connection end to end: an
// outbound task delivering queued events and an inbound loop decoding
// watch_session/stop_watching commands (spec.md §5: "one task per
// monitor subscriber"). It blocks until the connection or the
// subscriber closes, then unsubscribes before returning.
func (b *Bus) Serve(conn transport.Conn) {
	sub := b.Subscribe()
	sub.mu.Lock()
	sub.conn = conn
	sub.mu.Unlock()
	defer b.Unsubscribe(sub)

	go sub.deliverLoop(conn)

	for {
		data, err := conn.ReadSome(65536)
		if err != nil || len(data) == 0 {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logging.Debug("monitor subscriber %s sent malformed command: %v", sub.id, err)
			continue
		}
		b.HandleCommand(sub, cmd)

		select {
		case <-sub.Done():
			return
		default:
		}
	}
}

func (s *Subscriber) deliverLoop(conn transport.Conn) {
	for {
		select {
		case payload, ok := <-s.Outbound():
			if !ok {
				return
			}
			if err := conn.Write(payload); err != nil {
				s.close()
				return
			}
		case <-s.Done():
			return
		}
	}
}
