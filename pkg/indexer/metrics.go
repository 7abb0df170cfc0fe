package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick results
const (
	resultOK      = "ok"
	resultIdle    = "idle"
	resultError   = "error"
	resultStandby = "standby"

	resultLeaseLost = "lease_lost"
)

// Metrics holds poll loop collectors
type Metrics struct {
	CursorSlot      prometheus.Gauge
	WindowSlots     prometheus.Gauge
	Ticks           *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	PendingReplayed prometheus.Counter
	ApplyFailures   prometheus.Counter
	DeadLettered    prometheus.Counter
}

// NewMetrics creates poll loop collectors registered with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CursorSlot: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Name:      "cursor_slot",
			Help:      "Last fully processed slot",
		}),
		WindowSlots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Name:      "window_slots",
			Help:      "Slots covered by the latest window",
		}),
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Name:      "ticks_total",
			Help:      "Poll loop ticks by result",
		}, []string{"result"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexer",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one poll loop tick",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Name:      "pending_replayed_total",
			Help:      "Outbox transactions replayed from earlier ticks",
		}),
		ApplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Name:      "apply_failures_total",
			Help:      "Transactions left in the outbox after a failed apply",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Name:      "dead_lettered_total",
			Help:      "Outbox transactions given up on after repeated apply failures",
		}),
	}
}
