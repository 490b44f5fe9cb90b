// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the engine over HTTP: run control endpoints,
// per-run SSE event streams, metrics, and health. Authentication is
// optional JWT bearer (HS256 or EdDSA).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/events"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/metrics"
)

// Engine is the run-control surface the server drives. *engine.Engine
// satisfies it.
type Engine interface {
	Run(ctx context.Context, f *flow.Flow, input map[string]any) (*engine.FlowResult, error)
	Start(ctx context.Context, f *flow.Flow, input map[string]any) (string, error)
	Wait(ctx context.Context, runID string) (*engine.FlowResult, error)
	Resume(ctx context.Context, token string, userData map[string]any) (*engine.FlowResult, error)
	Pause(runID string) error
	Stop(runID string) (*engine.FlowResult, error)
	Status(runID string) (*engine.RunState, error)
}

// EventSource attaches subscribers to a run's event stream.
// *events.Registry satisfies it.
type EventSource interface {
	Subscribe(executionID string) (<-chan events.Event, func())
}

// MetricsSource produces the snapshot behind the JSON metrics format.
type MetricsSource interface {
	Aggregate() metrics.Snapshot
}

// Config holds the HTTP server settings.
type Config struct {
	// Listen is the bind address, host:port.
	Listen string

	// Auth configures JWT bearer authentication.
	Auth AuthConfig

	// MaxConcurrent caps runs admitted through the run and resume
	// endpoints. Requests over the cap get 429.
	MaxConcurrent int

	// HeartbeatInterval paces keep-alive events on SSE streams.
	HeartbeatInterval time.Duration

	// JanitorInterval paces the suspension expiry sweep. Zero disables
	// the sweep.
	JanitorInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Server serves the HTTP API. Construct with New, wire optional
// collaborators with the With methods, then call Serve or
// ListenAndServe.
type Server struct {
	cfg       Config
	engine    Engine
	flows     engine.FlowSource
	events    EventSource
	store     statestore.Store
	collector MetricsSource
	promText  http.Handler
	logger    *slog.Logger

	httpServer  *http.Server
	gate        chan struct{}
	janitorStop chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New builds a server around the engine, its flow source, and its event
// registry.
func New(eng Engine, flows engine.FlowSource, eventSrc EventSource, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:         cfg,
		engine:      eng,
		flows:       flows,
		events:      eventSrc,
		logger:      slog.Default(),
		gate:        make(chan struct{}, cfg.MaxConcurrent),
		janitorStop: make(chan struct{}),
	}
}

// WithStore wires run history lookups and the suspension expiry sweep.
func (s *Server) WithStore(store statestore.Store) *Server {
	s.store = store
	return s
}

// WithCollector wires the snapshot source for the JSON metrics format.
func (s *Server) WithCollector(c MetricsSource) *Server {
	s.collector = c
	return s
}

// WithMetricsHandler wires the handler serving Prometheus text format.
func (s *Server) WithMetricsHandler(h http.Handler) *Server {
	s.promText = h
	return s
}

// WithLogger sets the logger. Defaults to slog.Default().
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/flows/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/flows/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/flows/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/flows/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{runId}/events", s.handleEvents)
	mux.HandleFunc("GET /api/runs/{runId}/status", s.handleStatus)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.withRecovery(s.withLogging(s.withAuth(mux)))
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: SSE streams hold their response open for the
	// life of the run.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.store != nil && s.cfg.JanitorInterval > 0 {
		s.wg.Add(1)
		go s.expireLoop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		s.stopJanitor()
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown stops the janitor and drains in-flight requests within
// ShutdownTimeout.
func (s *Server) Shutdown() error {
	s.stopJanitor()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) stopJanitor() {
	s.stopOnce.Do(func() { close(s.janitorStop) })
	s.wg.Wait()
}

// expireLoop sweeps expired suspensions on a fixed cadence.
func (s *Server) expireLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.store.ExpireSuspensions(ctx, time.Now())
			cancel()
			if err != nil {
				s.logger.Warn("suspension expiry sweep failed", slog.Any("error", err))
			} else if n > 0 {
				s.logger.Info("expired suspensions", slog.Int("count", n))
			}
		}
	}
}

// acquire claims an admission slot. The returned release is safe to
// call more than once.
func (s *Server) acquire() (func(), bool) {
	select {
	case s.gate <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.gate }) }, true
	default:
		return nil, false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
