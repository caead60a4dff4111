// Package api exposes the event CRUD surface over HTTP.
//
// Routes:
//
//	POST   /events
//	GET    /events?title=&description=
//	PUT    /events/{id}
//	DELETE /events/{id}
//
// All bodies are JSON. Errors are returned as {"message": "..."}. Every
// mutation goes through the store's single-writer Mutate, so API writes and
// reminder passes can never silently revert each other.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"eventd/internal/store"
	logx "eventd/pkg/logx"
)

type Config struct {
	Enabled bool
	Address string

	// Horizon is forwarded to recurrence expansion on list requests.
	Horizon int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = ":8080"
	}
	return c
}

// Server manages the HTTP listener lifecycle. Apply starts, stops, or
// rebinds the listener to match cfg, so the address is hot-reloadable.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	st   store.Store
	srv  *http.Server
	ln   net.Listener
	addr string

	// horizon is read on the request path; it lives outside s.mu so a list
	// request can never block on the lock Stop holds while draining.
	horizon atomic.Int64
}

func NewServer(st store.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "api")), st: st}
}

// Apply starts/stops the API server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.horizon.Store(int64(cfg.Horizon))

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Address {
		return
	}

	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", cfg.Address), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("api shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) expandHorizon() int {
	return int(s.horizon.Load())
}

// Handler builds the route table. Exported so tests can drive the API
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleCreate)
	mux.HandleFunc("GET /events", s.handleList)
	mux.HandleFunc("PUT /events/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /events/{id}", s.handleDelete)
	return mux
}
