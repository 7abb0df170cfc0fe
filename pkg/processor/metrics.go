package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds applier collectors
type Metrics struct {
	TransactionsApplied prometheus.Counter
	TransactionsSkipped prometheus.Counter
	ApplyErrors         prometheus.Counter
	EventsApplied       *prometheus.CounterVec
	EventsUnrecognized  *prometheus.CounterVec
	ApplyDuration       prometheus.Histogram
}

// NewMetrics creates applier collectors registered with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "transactions_applied_total",
			Help:      "Transactions whose events were applied",
		}),
		TransactionsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "transactions_skipped_total",
			Help:      "Transactions skipped because they were already processed",
		}),
		ApplyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "apply_errors_total",
			Help:      "Units of work rolled back",
		}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "events_applied_total",
			Help:      "Events applied by type",
		}, []string{"event_type"}),
		EventsUnrecognized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "events_unrecognized_total",
			Help:      "Decoded events without a projection",
		}, []string{"event_type"}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexer",
			Subsystem: "applier",
			Name:      "apply_duration_seconds",
			Help:      "Time spent in one unit of work",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
