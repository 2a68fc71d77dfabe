package portalserver

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/skagerrak/portal/internal/dispatch"
	"github.com/skagerrak/portal/internal/transport"
)

type echoHandler struct{}

func (echoHandler) OnConnect() []string { return nil }
func (echoHandler) OnLine(line string) dispatch.Result {
	return dispatch.Result{Outputs: []string{"Echo: " + line}, Continue: true}
}
func (echoHandler) OnDisconnect() {}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerCapacityGuardRejectsSecondClient(t *testing.T) {
	addr := freeAddr(t)
	srv, err := New(Config{
		ListenAddr:     addr,
		Kind:           transport.KindTCP,
		MaxConnections: 1,
		HandlerFactory: func() dispatch.Handler { return echoHandler{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	waitListening(t, addr)

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	// Give the accept loop a moment to register the first session before
	// the second client arrives and finds the registry full.
	waitUntil(t, func() bool { return srv.Registry().Len() >= 1 })

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	reader := bufio.NewReader(second)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading busy message: %v", err)
	}
	if line != "Server busy. Try again later.\r\n" {
		t.Fatalf("busy message = %q, want %q", line, "Server busy. Try again later.\r\n")
	}

	if _, err := reader.ReadByte(); err == nil {
		t.Fatal("expected EOF after the busy message, connection is still open")
	}
}

// TestServerCapacityGuardIsAtomicUnderConcurrentDials fires many dials at
// once instead of spacing them out, proving admission itself (not just
// the registry it eventually populates) never exceeds MaxConnections
// (spec.md §8 invariant 3).
func TestServerCapacityGuardIsAtomicUnderConcurrentDials(t *testing.T) {
	const maxConnections = 3
	const dialCount = 12

	addr := freeAddr(t)
	srv, err := New(Config{
		ListenAddr:     addr,
		Kind:           transport.KindTCP,
		MaxConnections: maxConnections,
		HandlerFactory: func() dispatch.Handler { return echoHandler{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	waitListening(t, addr)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, rejected int

	start := make(chan struct{})
	for i := 0; i < dialCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return
			}
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			reader := bufio.NewReader(conn)
			line, err := reader.ReadString('\n')

			mu.Lock()
			defer mu.Unlock()
			if err == nil && line == "Server busy. Try again later.\r\n" {
				rejected++
			} else {
				admitted++
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != maxConnections {
		t.Fatalf("admitted = %d, want exactly %d (MaxConnections)", admitted, maxConnections)
	}
	if rejected != dialCount-maxConnections {
		t.Fatalf("rejected = %d, want exactly %d", rejected, dialCount-maxConnections)
	}
}

func TestServerShutdownClosesLiveSessions(t *testing.T) {
	addr := freeAddr(t)
	srv, err := New(Config{
		ListenAddr:     addr,
		Kind:           transport.KindTCP,
		MaxConnections: 10,
		HandlerFactory: func() dispatch.Handler { return echoHandler{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	waitListening(t, addr)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	waitUntil(t, func() bool { return srv.Registry().Len() >= 1 })

	if err := srv.Shutdown(true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client connection to be closed after shutdown")
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	addr := freeAddr(t)
	srv, err := New(Config{
		ListenAddr:     addr,
		Kind:           transport.KindTCP,
		HandlerFactory: func() dispatch.Handler { return echoHandler{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	waitListening(t, addr)

	if err := srv.Shutdown(true); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := srv.Shutdown(true); err != nil {
		t.Fatalf("second Shutdown must be a no-op, got: %v", err)
	}
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on %s never started listening", addr)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not satisfied within 2s")
}
