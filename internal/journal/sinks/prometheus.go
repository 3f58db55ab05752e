package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

// PrometheusSink counts journal events by kind and records how many attempts
// finished items needed.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	lastSeen prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontier_journal_events_total",
			Help: "Journal events recorded, partitioned by kind.",
		}, []string{"kind"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frontier_journal_finish_attempts",
			Help:    "Retry attempts consumed by finished items, partitioned by outcome.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}, []string{"outcome"}),
		lastSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontier_journal_last_event_timestamp_seconds",
			Help: "Unix time of the newest journal event consumed.",
		}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.attempts, s.lastSeen} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register journal collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []journal.Event) error {
	var newest float64
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case journal.KindFinishedSuccess:
			s.attempts.WithLabelValues("success").Observe(float64(evt.Attempts))
		case journal.KindFinishedFailure:
			s.attempts.WithLabelValues("failure").Observe(float64(evt.Attempts))
		}
		if ts := float64(evt.TS.UnixMilli()) / 1e3; ts > newest {
			newest = ts
		}
	}
	if newest > 0 {
		s.lastSeen.Set(newest)
	}
	return nil
}

// Close implements journal.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
