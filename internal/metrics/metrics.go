package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for DOI minting and lifecycle
// processing.
type Metrics struct {
	Minted          *prometheus.CounterVec
	MintCollisions  prometheus.Counter
	MintExhausted   prometheus.Counter
	PublishFailures prometheus.Counter

	Events       *prometheus.CounterVec
	Attempts     *prometheus.CounterVec
	Degradations *prometheus.CounterVec
	EventSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Minted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doisync_dois_minted_total",
			Help: "Total number of DOIs minted, by type",
		}, []string{"type"}),
		MintCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "doisync_mint_collisions_total",
			Help: "Total number of suffix draws that collided with an existing DOI",
		}),
		MintExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "doisync_mint_exhausted_total",
			Help: "Total number of mint requests that gave up after the attempt limit",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "doisync_publish_failures_total",
			Help: "Total number of lifecycle events that could not be enqueued",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doisync_lifecycle_events_total",
			Help: "Lifecycle events processed, by desired status and outcome",
		}, []string{"desired", "outcome"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doisync_lifecycle_attempts_total",
			Help: "Registrar attempts made by the lifecycle worker, by desired status",
		}, []string{"desired"}),
		Degradations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doisync_lifecycle_degradations_total",
			Help: "Oversized metadata degradations applied, by stage",
		}, []string{"stage"}),
		EventSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "doisync_lifecycle_event_seconds",
			Help:    "Wall time spent on one lifecycle event including retry waits",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
