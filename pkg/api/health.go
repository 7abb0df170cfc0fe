package api

import (
	"context"
	"net/http"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/fetch"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CursorReader exposes the poll loop cursor. *indexer.Indexer satisfies it.
type CursorReader interface {
	Cursor() storage.Cursor
}

// StatusReader exposes per-program fetch outcomes. *fetch.Fetcher
// satisfies it.
type StatusReader interface {
	Status() []fetch.ProgramStatus
}

// Pinger checks a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// ComponentHealth represents the health of a dependency
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health is the /health response body
type Health struct {
	Status          string           `json:"status"`
	Timestamp       string           `json:"timestamp"`
	Uptime          string           `json:"uptime"`
	CursorSlot      uint64           `json:"cursor_slot"`
	CursorUpdatedAt string           `json:"cursor_updated_at,omitempty"`
	LagSeconds      float64          `json:"lag_seconds"`
	MaxLagSeconds   float64          `json:"max_lag_seconds"`
	Storage         *ComponentHealth `json:"storage,omitempty"`
	RPC             *ComponentHealth `json:"rpc,omitempty"`
}

// HealthChecker derives the service health from the cursor lag and the
// store. Lag is the time since the cursor was last recorded. The RPC
// component is reported but does not change the overall status; a stalled
// endpoint shows up as lag.
type HealthChecker struct {
	cursor    CursorReader
	store     Pinger
	rpc       Pinger
	maxLag    time.Duration
	startTime time.Time
	now       func() time.Time
}

// NewHealthChecker creates a health checker. store and rpc may be nil.
func NewHealthChecker(cursor CursorReader, store, rpc Pinger, maxLag time.Duration) *HealthChecker {
	return &HealthChecker{
		cursor:    cursor,
		store:     store,
		rpc:       rpc,
		maxLag:    maxLag,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Check returns the current health and the HTTP status that goes with it
func (hc *HealthChecker) Check(ctx context.Context) (Health, int) {
	now := hc.now()
	h := Health{
		Status:        StatusHealthy,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Uptime:        now.Sub(hc.startTime).Round(time.Second).String(),
		MaxLagSeconds: hc.maxLag.Seconds(),
	}

	if hc.cursor != nil {
		c := hc.cursor.Cursor()
		h.CursorSlot = c.Slot
		if c.UpdatedAt.IsZero() {
			// loop not started yet
			h.Status = StatusUnhealthy
		} else {
			lag := now.Sub(c.UpdatedAt)
			if lag < 0 {
				lag = 0
			}
			h.CursorUpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
			h.LagSeconds = lag.Seconds()
			if lag > hc.maxLag {
				h.Status = StatusUnhealthy
			}
		}
	}

	if hc.store != nil {
		h.Storage = ping(ctx, hc.store)
		if h.Storage.Status != StatusHealthy {
			h.Status = StatusUnhealthy
		}
	}
	if hc.rpc != nil {
		h.RPC = ping(ctx, hc.rpc)
	}

	if h.Status != StatusHealthy {
		return h, http.StatusServiceUnavailable
	}
	return h, http.StatusOK
}

func ping(ctx context.Context, p Pinger) *ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	comp := &ComponentHealth{Status: StatusHealthy}
	if err := p.Ping(ctx); err != nil {
		comp.Status = StatusUnhealthy
		comp.Message = err.Error()
	}
	comp.Latency = time.Since(start).String()
	return comp
}
