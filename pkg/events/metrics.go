package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the decoder counters
type Metrics struct {
	EventsDecoded *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
}

// NewMetrics creates decoder metrics registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "decoder",
			Name:      "events_decoded_total",
			Help:      "Total number of events decoded from program logs",
		}, []string{"event_type"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "decoder",
			Name:      "decode_errors_total",
			Help:      "Log lines tagged with a known event whose payload failed to decode",
		}, []string{"program"}),
	}
}
