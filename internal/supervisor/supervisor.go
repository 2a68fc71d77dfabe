// Package supervisor runs several portalserver.Server instances
// concurrently and coordinates their shutdown (spec.md §4.G).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/skagerrak/portal/internal/logging"
)

// Startable is anything the supervisor can drive. Listen binds
// synchronously and reports a bind failure immediately; Serve then blocks
// until ctx is cancelled or a fatal error occurs. Both portalserver.Server
// (raw TCP/Telnet listeners) and an HTTP-fronted WebSocket adapter satisfy
// this with the same ctx.Done-triggers-graceful-shutdown shape.
type Startable interface {
	Listen() error
	Serve(ctx context.Context) error
}

// Named pairs a server with the name its configuration was registered
// under (the key of a multi-server config's servers: map), used only
// for log lines and start-failure messages.
type Named struct {
	Name   string
	Server Startable
}

// Supervisor starts a fixed set of servers and brings them all down
// together on the first failure or on an external shutdown signal.
type Supervisor struct {
	servers []Named

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	interrupted bool
}

// New creates a Supervisor over servers. Start order follows the slice
// order; the first server to fail to start aborts the remaining starts.
func New(servers []Named) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{servers: servers, ctx: ctx, cancel: cancel}
}

// Run binds every server in order, one after another, collecting the
// first bind failure as fatal with no partial run (spec.md §4.G): a later
// server's bind is never attempted, let alone started accepting
// connections, until every earlier one has confirmed its own bind. Only
// once every server has bound successfully does Run install the
// SIGINT/SIGTERM handler and start all of their accept loops concurrently,
// blocking until every one has stopped. It returns the first error any
// server's Listen or Serve reported, if any.
func (s *Supervisor) Run() error {
	bound := 0
	for _, n := range s.servers {
		logging.Info("binding %s server", n.Name)
		if err := n.Server.Listen(); err != nil {
			s.Shutdown()
			s.releaseBound(s.servers[:bound])
			return fmt.Errorf("%s: %w", n.Name, err)
		}
		bound++
	}

	go s.handleSignals()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.servers))

	for _, n := range s.servers {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("serving %s", n.Name)
			if err := n.Server.Serve(s.ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", n.Name, err)
				s.Shutdown()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return first
}

// closer is satisfied by a Startable that can release a listener bound by
// Listen without ever having Serve called on it.
type closer interface {
	Close() error
}

// releaseBound closes the listeners of servers that bound successfully
// before a later server failed to bind, so a failed Run doesn't leak open
// listeners for the rest of the process's life.
func (s *Supervisor) releaseBound(servers []Named) {
	for _, n := range servers {
		if c, ok := n.Server.(closer); ok {
			if err := c.Close(); err != nil {
				logging.Warn("closing %s after a sibling bind failure: %v", n.Name, err)
			}
		}
	}
}

// Shutdown cancels every managed server's context, triggering each
// Server.Serve's internal graceful Shutdown. Safe to call more than
// once and from any goroutine.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ctx.Done():
		return
	default:
		s.cancel()
	}
}

func (s *Supervisor) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info("received %s, shutting down", sig)
		s.mu.Lock()
		s.interrupted = true
		s.mu.Unlock()
		s.Shutdown()
	case <-s.ctx.Done():
	}
}

// Interrupted reports whether the last Run returned because of an
// OS-level shutdown signal rather than a server start failure
// (spec.md §6.1: interrupted shutdown exits 130, not 0).
func (s *Supervisor) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}
