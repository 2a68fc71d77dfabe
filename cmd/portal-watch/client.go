package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// client holds the WebSocket connection to a portald monitor endpoint
// and the channel its read loop feeds incoming events into.
type client struct {
	conn   *websocket.Conn
	events chan map[string]any
	errs   chan error
}

func dial(addr, path string) (*client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	c := &client{conn: conn, events: make(chan map[string]any, 256), errs: make(chan error, 1)}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errs <- err
			return
		}
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		c.events <- event
	}
}

func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) watchSession(id string) error {
	return c.send(map[string]string{"type": "watch_session", "session_id": id})
}

func (c *client) stopWatching(id string) error {
	return c.send(map[string]string{"type": "stop_watching", "session_id": id})
}

func (c *client) close() {
	_ = c.conn.Close()
}
