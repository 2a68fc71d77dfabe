package session

import (
	"testing"
	"time"

	"github.com/skagerrak/portal/internal/transport"
)

func newTestSession(id string, createdAt time.Time) *Session {
	s := &Session{
		id:        id,
		createdAt: createdAt,
		cancelCh:  make(chan struct{}),
		conn:      nil,
	}
	return s
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("a", time.Now())
	r.Register(s)

	got, ok := r.Get("a")
	if !ok || got != s {
		t.Fatalf("Get(a) = %v, %v; want %v, true", got, ok, s)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(newTestSession("a", time.Now()))
	r.Unregister("a")

	if _, ok := r.Get("a"); ok {
		t.Fatal("Get(a) found a session after Unregister")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryIsNewestGreatestCreatedAt(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	old := newTestSession("old", now.Add(-time.Minute))
	old.conn = fakeConn{kind: transport.KindTCP, addr: "old"}
	young := newTestSession("young", now)
	young.conn = fakeConn{kind: transport.KindTCP, addr: "young"}
	r.Register(old)
	r.Register(young)

	infos := r.ListActive()
	var newest, other Info
	for _, info := range infos {
		if info.ID == "young" {
			newest = info
		} else {
			other = info
		}
	}
	if !newest.IsNewest {
		t.Fatalf("youngest session IsNewest = false, want true")
	}
	if other.IsNewest {
		t.Fatalf("older session IsNewest = true, want false")
	}
}

func TestRegistryIsNewestTieBreaksOnID(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	a := newTestSession("aaa", now)
	a.conn = fakeConn{kind: transport.KindTCP, addr: "a"}
	b := newTestSession("bbb", now)
	b.conn = fakeConn{kind: transport.KindTCP, addr: "b"}
	r.Register(a)
	r.Register(b)

	infos := r.ListActive()
	for _, info := range infos {
		if info.ID == "bbb" && !info.IsNewest {
			t.Fatalf("tie-break must favor the lexicographically greatest id (bbb), got %+v", infos)
		}
		if info.ID == "aaa" && info.IsNewest {
			t.Fatalf("aaa should lose the tie-break to bbb, got %+v", infos)
		}
	}
}

type fakeConn struct {
	kind transport.Kind
	addr string
}

func (fakeConn) ReadSome(int) ([]byte, error) { return nil, nil }
func (fakeConn) Write([]byte) error           { return nil }
func (fakeConn) Close(string) error           { return nil }
func (c fakeConn) PeerAddress() string        { return c.addr }
func (c fakeConn) Kind() transport.Kind       { return c.kind }
