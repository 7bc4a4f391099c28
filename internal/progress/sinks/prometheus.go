package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/booky-indexer/internal/bookmark"
)

// PrometheusSink exports job outcome metrics derived from the event stream.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	attempts *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booky_events_total",
			Help: "Terminal job events partitioned by type.",
		}, []string{"type"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booky_job_attempts",
			Help:    "Attempts a job took to reach its terminal state.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"type"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.attempts} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []bookmark.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(evt.Type).Inc()
		if evt.Attempt > 0 {
			s.attempts.WithLabelValues(evt.Type).Observe(float64(evt.Attempt))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
