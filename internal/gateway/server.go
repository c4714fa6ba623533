package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/goveed/internal/core/transport"
)

// Server accepts WebSocket connections on every path and hands each one to
// the Handler on its own goroutine.
type Server struct {
	acceptor *transport.Acceptor
	handler  *Handler
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[transport.Conn]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
	httpSrv *http.Server
}

// NewServer creates a server.
func NewServer(acceptor *transport.Acceptor, handler *Handler, log *slog.Logger) *Server {
	return &Server{
		acceptor: acceptor,
		handler:  handler,
		log:      log,
		conns:    make(map[transport.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.acceptor.Accept(w, r)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !s.track(conn) {
		_ = conn.CloseWithReason(transport.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.handler.Handle(r.Context(), conn)
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe serves on addr until Shutdown is called. It returns nil
// after a graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("gateway listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes the open ones with 1001 and
// waits for their handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	srv := s.httpSrv
	open := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by http.Server.
		err = srv.Shutdown(ctx)
	}

	s.log.Info("closing client connections", "count", len(open))
	for _, c := range open {
		_ = c.CloseWithReason(transport.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// track registers c unless shutdown has begun.
func (s *Server) track(c transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c transport.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}
