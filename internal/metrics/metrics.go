// Package metrics holds the Prometheus metrics the engine exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors used by the engine.
type Metrics struct {
	EventsEmitted         *prometheus.CounterVec
	IngestLatency         *prometheus.HistogramVec
	DroppedMalformed      *prometheus.CounterVec
	ImpossibleTransitions prometheus.Counter
	OrphanExpiries        prometheus.Counter
	ControllersOnline     prometheus.Gauge
	ActiveFlightPlans     prometheus.Gauge
}

// New creates the metrics registered under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total number of lifecycle events emitted, by route.",
		}, []string{"route"}),
		IngestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_seconds",
			Help:      "Time to process one inbound snapshot message, by pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		DroppedMalformed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_malformed_total",
			Help:      "Inbound messages dropped as malformed, by pipeline.",
		}, []string{"pipeline"}),
		ImpossibleTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impossible_transitions_total",
			Help:      "State transitions proposed by the airborne state machine but rejected by the allowed-transition table.",
		}),
		OrphanExpiries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_expiries_total",
			Help:      "TTL sentinel firings for a key whose data was already gone.",
		}),
		ControllersOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers_online",
			Help:      "Current number of tracked online controllers.",
		}),
		ActiveFlightPlans: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_flight_plans",
			Help:      "Current number of active flight-plan records known to the tracker's in-process view.",
		}),
	}
}
