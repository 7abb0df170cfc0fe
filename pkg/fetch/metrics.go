package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds fetcher collectors
type Metrics struct {
	HeadSlot            prometheus.Gauge
	TransactionsFetched prometheus.Counter
	RPCErrors           *prometheus.CounterVec
	FallbackUsed        *prometheus.CounterVec
	ProgramFailures     *prometheus.CounterVec
	FetchDuration       prometheus.Histogram
}

// NewMetrics creates fetcher collectors registered with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HeadSlot: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "head_slot",
			Help:      "Latest confirmed slot reported by the ledger",
		}),
		TransactionsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "transactions_fetched_total",
			Help:      "Transactions fetched for tracked programs",
		}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "rpc_errors_total",
			Help:      "Failed remote calls by method",
		}, []string{"method"}),
		FallbackUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "fallback_used_total",
			Help:      "Calls answered by the fallback endpoint",
		}, []string{"method"}),
		ProgramFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "program_failures_total",
			Help:      "Program windows abandoned for a tick",
		}, []string{"program"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexer",
			Subsystem: "fetcher",
			Name:      "window_duration_seconds",
			Help:      "Time spent fetching one window",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
