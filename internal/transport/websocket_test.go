package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newWSPair(t *testing.T) (*WSConn, *websocket.Conn, func()) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	serverConn := <-serverConnCh
	wsc := NewWSConn(serverConn, KindWS, false, 0, 0)

	cleanup := func() {
		clientConn.Close()
		srv.Close()
	}
	return wsc, clientConn, cleanup
}

func TestWSConnReadSomeDrainsFrame(t *testing.T) {
	wsc, client, cleanup := newWSPair(t)
	defer cleanup()

	if err := client.WriteMessage(websocket.BinaryMessage, []byte("hi")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	got, err := wsc.ReadSome(16)
	if err != nil {
		t.Fatalf("ReadSome error: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("ReadSome = %q, want %q", got, "hi")
	}
}

func TestWSConnWriteSendsFrame(t *testing.T) {
	wsc, client, cleanup := newWSPair(t)
	defer cleanup()

	if err := wsc.Write([]byte("reply")); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage: %v", err)
	}
	if string(data) != "reply" {
		t.Fatalf("client received %q, want %q", data, "reply")
	}
}

func TestWSConnKind(t *testing.T) {
	wsc, _, cleanup := newWSPair(t)
	defer cleanup()

	if wsc.Kind() != KindWS {
		t.Fatalf("Kind() = %v, want KindWS", wsc.Kind())
	}
}

// TestWSConnMissedPongIsTransportFault reproduces spec.md §4.A: a missed
// pong expires the connection's read deadline, which gorilla/websocket
// surfaces as a plain net.Error timeout rather than a close frame. That
// must still end up as ErrTransportFault, not an ordinary EOF.
func TestWSConnMissedPongIsTransportFault(t *testing.T) {
	wsc, _, cleanup := newWSPair(t)
	defer cleanup()

	if err := wsc.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := <-wsc.frames; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("readPump never observed the deadline timeout")
		}
	}

	if err := wsc.getReadErr(); err != ErrTransportFault {
		t.Fatalf("getReadErr() = %v, want ErrTransportFault", err)
	}
}
