// Package wsgateway fronts a portalserver.Server and/or a monitor.Bus
// with an HTTP server that upgrades incoming requests to WebSocket
// connections (spec.md §6.3's websocket/ws_telnet/monitor endpoints).
package wsgateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skagerrak/portal/internal/logging"
	"github.com/skagerrak/portal/internal/monitor"
	"github.com/skagerrak/portal/internal/portalserver"
	"github.com/skagerrak/portal/internal/transport"
)

// SessionRoute mounts one portalserver.Server at a path, upgrading each
// accepted request and handing the result to Server.AcceptWS.
type SessionRoute struct {
	Path         string
	Server       *portalserver.Server
	Kind         transport.Kind // KindWS or KindWSTelnet
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Gateway is an http.Server plus the WebSocket routes mounted on it. It
// satisfies supervisor.Startable: Listen binds synchronously and Serve
// blocks until ctx is cancelled or the listener fails.
type Gateway struct {
	Addr         string
	AllowOrigins []string
	Sessions     []SessionRoute
	Monitor      *monitor.Bus // nil disables the monitor endpoint
	MonitorPath  string

	// UseSSL wraps the bound listener in crypto/tls when set (spec.md
	// §6.2's use_ssl/ssl_cert/ssl_key, "wss://" instead of "ws://").
	UseSSL      bool
	SSLCertFile string
	SSLKeyFile  string

	srv      *http.Server
	listener net.Listener
}

// Listen builds the mux and binds Addr, returning immediately with any
// bind failure (spec.md §4.G: the supervisor confirms every configured
// server's bind before any of them starts accepting connections).
func (g *Gateway) Listen() error {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{CheckOrigin: g.checkOrigin}

	for _, route := range g.Sessions {
		route := route
		mux.HandleFunc(route.Path, func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			wsConn := transport.NewWSConn(conn, route.Kind, true, route.PingInterval, route.PingTimeout)
			route.Server.AcceptWS(wsConn)
		})
	}

	if g.Monitor != nil {
		path := g.MonitorPath
		if path == "" {
			path = "/monitor"
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			wsConn := transport.NewWSConn(conn, transport.KindWS, true, 30*time.Second, 10*time.Second)
			g.Monitor.Serve(wsConn)
		})
	}

	g.srv = &http.Server{Addr: g.Addr, Handler: mux}

	listener, err := net.Listen("tcp", g.Addr)
	if err != nil {
		return err
	}

	if g.UseSSL {
		cert, err := tls.LoadX509KeyPair(g.SSLCertFile, g.SSLKeyFile)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("loading TLS material for %s: %w", g.Addr, err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	g.listener = listener
	logging.Info("wsgateway listening on %s (tls=%v)", g.Addr, g.UseSSL)
	return nil
}

// Serve runs the HTTP server against the listener bound by Listen until
// ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.listener == nil {
		if err := g.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.Serve(g.listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Start binds and serves in one call.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Listen(); err != nil {
		return err
	}
	return g.Serve(ctx)
}

// Close releases a listener bound by Listen when Serve is never going to
// be called (a sibling server in the same supervisor run failed to bind).
func (g *Gateway) Close() error {
	if g.listener != nil {
		return g.listener.Close()
	}
	return nil
}

// checkOrigin implements spec.md §6.3's allowlist: "*" permits any
// origin; a missing Origin header (non-browser clients) is permitted.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Debug("wsgateway: rejected origin %q", origin)
	return false
}
