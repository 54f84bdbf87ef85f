// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the status endpoints of a running tspipe process:
// health, Prometheus metrics, the live pipeline snapshot and run history.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ManuGH/tspipe/internal/api/middleware"
	"github.com/ManuGH/tspipe/internal/history"
	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Snapshotter exposes the live state of a pipeline.
type Snapshotter interface {
	Snapshot() pipeline.Report
}

// Config configures the status server.
type Config struct {
	Listen             string
	RateLimitPerMinute int
	// TracingService names the otelhttp server spans; empty disables tracing.
	TracingService string
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	history  history.Store
	registry *stage.Registry
	current  atomic.Pointer[Snapshotter]
	handler  http.Handler
}

// New builds the server. Store and registry may be nil; their endpoints
// then answer 503.
func New(cfg Config, store history.Store, reg *stage.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.WithComponent("api"),
		history:  store,
		registry: reg,
	}
	s.handler = s.routes()
	return s
}

// SetPipeline publishes the pipeline whose snapshot the server reports.
func (s *Server) SetPipeline(p Snapshotter) {
	if p == nil {
		s.current.Store(nil)
		return
	}
	s.current.Store(&p)
}

func (s *Server) pipeline() Snapshotter {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		EnableLogging:         true,
		EnableTracing:         s.cfg.TracingService != "",
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerMinute > 0 {
			r.Use(middleware.APIRateLimit(s.cfg.RateLimitPerMinute))
		}
		r.Get("/pipeline", s.handlePipeline)
		r.Get("/stages", s.handleStages)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
	})

	var h http.Handler = r
	if s.cfg.TracingService != "" {
		h = middleware.OTelHTTP(s.cfg.TracingService)(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str(log.FieldAddress, ln.Addr().String()).Msg("status server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("status server shutdown")
		return err
	}
	s.log.Info().Msg("status server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready while a pipeline is running.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	p := s.pipeline()
	if p == nil {
		writeServiceUnavailable(w, "no pipeline")
		return
	}
	state := p.Snapshot().State
	if state != pipeline.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

func (s *Server) handlePipeline(w http.ResponseWriter, _ *http.Request) {
	p := s.pipeline()
	if p == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

type stageInfo struct {
	Name  string     `json:"name"`
	Role  stage.Role `json:"role"`
	Usage string     `json:"usage"`
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeServiceUnavailable(w, "no stage registry")
		return
	}
	regs := s.registry.List()
	out := make([]stageInfo, 0, len(regs))
	for _, reg := range regs {
		out = append(out, stageInfo{Name: reg.Name, Role: reg.Role, Usage: reg.Usage})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "history disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeBadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		logger := log.WithContext(r.Context(), s.log)
		logger.Error().Err(err).Msg("list runs")
		writeInternal(w)
		return
	}
	if runs == nil {
		runs = []pipeline.Report{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "history disabled")
		return
	}
	rep, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		logger := log.WithContext(r.Context(), s.log)
		logger.Error().Err(err).Msg("load run")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
