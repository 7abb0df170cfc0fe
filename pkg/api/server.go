// Package api serves the indexer's ops endpoints: health, metrics, version,
// per-program fetch status and dead-lettered transactions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	applog "github.com/0xmhha/crowdfund-indexer/internal/logger"
	apimiddleware "github.com/0xmhha/crowdfund-indexer/pkg/api/middleware"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BuildInfo is reported by /version
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Options wires the server to the running indexer. Every field is optional.
type Options struct {
	Cursor      CursorReader
	Status      StatusReader
	Store       Pinger
	RPC         Pinger
	DeadLetters DeadLetterReader
	Gatherer    prometheus.Gatherer
	Build       BuildInfo
}

// DeadLetterReader lists outbox transactions the poll loop gave up on.
// storage.Store satisfies it.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]storage.PendingTransaction, error)
}

// Dead letter page sizes
const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// DeadLetter is one entry of the /dead-letters response
type DeadLetter struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Server is the ops HTTP server
type Server struct {
	config   *Config
	logger   *zap.Logger
	health   *HealthChecker
	status   StatusReader
	dead     DeadLetterReader
	build    BuildInfo
	router   *chi.Mux
	server   *http.Server
	gatherer prometheus.Gatherer
}

// NewServer creates an ops server
func NewServer(config *Config, logger *zap.Logger, opts Options) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   config,
		logger:   logger,
		health:   NewHealthChecker(opts.Cursor, opts.Store, opts.RPC, config.MaxLag),
		status:   opts.Status,
		dead:     opts.DeadLetters,
		build:    opts.Build,
		router:   chi.NewRouter(),
		gatherer: gatherer,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/dead-letters", s.handleDeadLetters)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, status := s.health.Check(r.Context())
	if h.Status != StatusHealthy {
		applog.FromContext(r.Context()).Warn("Health check failing",
			zap.Uint64("cursor_slot", h.CursorSlot),
			zap.Float64("lag_seconds", h.LagSeconds),
		)
	}
	writeJSON(w, status, h)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}

// handleStatus reports the latest fetch outcome per tracked program
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "fetch status not configured"})
		return
	}
	programs := s.status.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count": len(programs),
		"programs":    programs,
	})
}

// handleDeadLetters lists dead-lettered outbox rows, oldest slot first
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dead == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letters not configured"})
		return
	}
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	rows, err := s.dead.ListDeadLetters(r.Context(), limit)
	if err != nil {
		applog.FromContext(r.Context()).Error("Failed to list dead letters", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list dead letters"})
		return
	}
	out := make([]DeadLetter, len(rows))
	for i, row := range rows {
		out[i] = DeadLetter{
			Signature: row.Signature.String(),
			Slot:      row.Slot,
			Attempts:  row.Attempts,
			LastError: row.LastError,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":  len(out),
		"transactions": out,
	})
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("ops server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
