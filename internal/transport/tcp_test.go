package transport

import (
	"net"
	"testing"
	"time"
)

func TestTCPConnReadSomeForwardsBytes(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewTCPConn(server, KindTCP)
	go func() {
		client.Write([]byte("hello"))
	}()

	got, err := c.ReadSome(16)
	if err != nil {
		t.Fatalf("ReadSome error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadSome = %q, want %q", got, "hello")
	}
}

func TestTCPConnWrite(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewTCPConn(server, KindTCP)
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := c.Write([]byte("world")); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != "world" {
			t.Fatalf("client read = %q, want %q", got, "world")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write to reach peer")
	}
}

func TestTCPConnCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewTCPConn(server, KindTelnet)
	if err := c.Close("test"); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close("test"); err != nil {
		t.Fatalf("second Close must be a no-op, got: %v", err)
	}
}

func TestTCPConnKindAndPeerAddress(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := NewTCPConn(server, KindTelnet)
	if c.Kind() != KindTelnet {
		t.Fatalf("Kind() = %v, want KindTelnet", c.Kind())
	}
	if c.PeerAddress() == "" {
		t.Fatal("PeerAddress() returned empty string")
	}
}
