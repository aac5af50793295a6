// Package server exposes the game controller over websockets. It is a thin
// presentation adapter: every rule lives in the game package.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sus/internal/auth"
	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/session"
)

// Server represents the WebSocket server
type Server struct {
	controller    *game.Controller
	resolver      auth.Resolver
	clock         quartz.Clock
	sweepInterval time.Duration
	upgrader      websocket.Upgrader
	connections   map[*Connection]bool
	logger        *log.Logger
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock driving the sweep loop.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithResolver sets how auth tokens become identities.
func WithResolver(resolver auth.Resolver) Option {
	return func(s *Server) { s.resolver = resolver }
}

// WithSweepInterval sets how often resident sessions are polled for due
// timeouts. Zero disables the sweep; timeouts still fire on the next
// intent for a session.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) { s.sweepInterval = d }
}

// NewServer creates a server for controller and subscribes it to the
// controller's ledger.
func NewServer(controller *game.Controller, logger *log.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		controller:    controller,
		resolver:      auth.TrustedResolver{},
		clock:         quartz.NewReal(),
		sweepInterval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*Connection]bool),
		logger:      logger.WithPrefix("server"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	controller.Ledger().Subscribe(ledger.SubscriberFunc(s.broadcast))
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	return mux
}

// Run serves on addr and sweeps sessions until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting WebSocket server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		return s.sweepLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down")
		s.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Stop closes every connection. Clients dropped by shutdown are not marked
// disconnected in their sessions.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) sweepLoop(ctx context.Context) error {
	if s.sweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.NewTicker(s.sweepInterval, "server", "sweep")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.controller.Sweep(ctx); n > 0 {
				s.logger.Debug("Swept sessions", "polled", n)
			}
		}
	}
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn] = true
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client connected", "total", total)
}

// unregister drops conn and marks its identity disconnected from every
// session it was watching, unless another connection for the same
// identity still watches it.
func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client disconnected", "total", total, "identity", conn.Identity())

	who := conn.Identity()
	if who == "" || s.ctx.Err() != nil {
		return
	}
	for _, id := range conn.watched() {
		if s.watchedBy(id, who) {
			continue
		}
		if _, err := s.controller.Disconnect(s.ctx, id, who); err != nil && !errors.Is(err, session.ErrNotParticipant) {
			s.logger.Debug("Failed to mark disconnect", "session", id, "identity", who, "error", err)
		}
	}
}

func (s *Server) watchedBy(id string, who session.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.connections {
		if conn.Identity() == who && conn.Watching(id) {
			return true
		}
	}
	return false
}

// broadcast delivers a committed event to every client watching its
// session. It runs under the session's transaction lock, so sends never
// block.
func (s *Server) broadcast(env session.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	count := 0
	for conn := range s.connections {
		if !conn.Watching(env.SessionID) {
			continue
		}
		msg, err := NewMessage(MessageTypeEvent, redact(env, conn.Identity()), now)
		if err != nil {
			s.logger.Error("Failed to encode event", "session", env.SessionID, "type", env.Type, "error", err)
			return
		}
		if err := conn.SendMessage(msg); err == nil {
			count++
		}
	}
	s.logger.Debug("Broadcast event", "session", env.SessionID, "type", env.Type, "recipients", count)
}

// resolve finds the session an intent addresses.
func (s *Server) resolve(data IntentData) (string, error) {
	if data.SessionID != "" {
		return data.SessionID, nil
	}
	if data.Code != "" {
		sess, err := s.controller.Ledger().GetByCode(data.Code)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	return "", session.ErrSessionNotFound.With("reason", "sessionId or code required")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := NewConnection(conn, s)
	s.register(client)
	client.Start()

	go func() {
		<-client.ctx.Done()
		s.unregister(client)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

// Stats summarizes resident sessions.
type Stats struct {
	Connections int            `json:"connections"`
	Sessions    int            `json:"sessions"`
	ByState     map[string]int `json:"byState"`
	Staked      session.Amount `json:"staked"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stats := Stats{Connections: len(s.connections), ByState: make(map[string]int)}
	s.mu.RUnlock()

	for _, sess := range s.controller.Ledger().List() {
		stats.Sessions++
		stats.ByState[sess.State.String()]++
		stats.Staked += sess.Pot
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleSession serves the public view of a session by id or share code.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	view, err := s.controller.View(key, "")
	if errors.Is(err, session.ErrSessionNotFound) {
		if byCode, codeErr := s.controller.Ledger().GetByCode(key); codeErr == nil {
			view, err = s.controller.View(byCode.ID, "")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorData("request_failed", err))
		return
	}
	_ = json.NewEncoder(w).Encode(view)
}
