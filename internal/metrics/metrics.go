// Package metrics exposes Prometheus collectors for the frontier service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

var (
	frontierScheduledTotal     prometheus.Counter
	frontierEmittedTotal       prometheus.Counter
	frontierFinishedTotal      *prometheus.CounterVec
	frontierRetriedTotal       prometheus.Counter
	frontierSnoozeDelaySeconds prometheus.Histogram
	frontierQueues             *prometheus.GaugeVec
	frontierActiveWorkers      prometheus.Gauge
	storeOpDurationSeconds     *prometheus.HistogramVec
	storeBytesTotal            *prometheus.CounterVec
	journalDroppedTotal        prometheus.Counter
	journalFlushSeconds        prometheus.Histogram
	journalEventsFlushedTotal  prometheus.Counter
	journalSinkFailuresTotal   prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frontierScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_scheduled_total",
				Help: "Total number of URIs scheduled into the frontier.",
			},
		)

		frontierEmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_emitted_total",
				Help: "Total number of URIs handed to workers.",
			},
		)

		frontierFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_finished_total",
				Help: "Total number of URIs finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		frontierRetriedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_retried_total",
				Help: "Total number of URIs put back for another attempt.",
			},
		)

		frontierSnoozeDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_snooze_delay_seconds",
				Help:    "Histogram of politeness delays applied to queues.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		frontierQueues = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_queues",
				Help: "Number of work queues in each scheduling state.",
			},
			[]string{"state"},
		)

		frontierActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_active_workers",
				Help: "Number of workers currently processing a URI.",
			},
		)

		storeOpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_store_op_duration_seconds",
				Help:    "Histogram of storage engine latencies, labeled by operation.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"op"},
		)

		storeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_store_bytes_total",
				Help: "Bytes moved through the storage engine, labeled by operation.",
			},
			[]string{"op"},
		)

		journalDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_journal_dropped_total",
				Help: "Journal events dropped because the hub buffer was full.",
			},
		)

		journalFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_journal_flush_duration_seconds",
				Help:    "Histogram of the time taken to hand one batch to every sink.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		journalEventsFlushedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_journal_events_flushed_total",
				Help: "Journal events included in flushed batches.",
			},
		)

		journalSinkFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_journal_sink_failures_total",
				Help: "Batches a journal sink failed to consume.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	frontierActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	frontierActiveWorkers.Dec()
}

// Observer feeds frontier scheduling events into the collectors. Use
// NewObserver so the collectors exist.
type Observer struct{}

var _ frontier.Observer = Observer{}

// NewObserver initializes the collectors and returns an Observer.
func NewObserver() Observer {
	Init()
	return Observer{}
}

// Scheduled counts a scheduled URI.
func (Observer) Scheduled(string) { frontierScheduledTotal.Inc() }

// Emitted counts a URI handed to a worker.
func (Observer) Emitted(string) { frontierEmittedTotal.Inc() }

// Finished counts a completion by disposition.
func (Observer) Finished(d frontier.Disposition) {
	frontierFinishedTotal.WithLabelValues(d.String()).Inc()
}

// Retried counts a retry.
func (Observer) Retried() { frontierRetriedTotal.Inc() }

// Snoozed records a politeness delay.
func (Observer) Snoozed(delay time.Duration) {
	frontierSnoozeDelaySeconds.Observe(delay.Seconds())
}

// QueueSets publishes the number of queues per state.
func (Observer) QueueSets(sizes map[frontier.State]int) {
	for state, n := range sizes {
		frontierQueues.WithLabelValues(state.String()).Set(float64(n))
	}
}

// StoreHook records storage engine latencies. It satisfies the pebble
// engine's MetricsHook.
type StoreHook struct{}

// NewStoreHook initializes the collectors and returns a StoreHook.
func NewStoreHook() StoreHook {
	Init()
	return StoreHook{}
}

// ObserveWrite records a write.
func (StoreHook) ObserveWrite(elapsed time.Duration, bytes int) {
	storeOpDurationSeconds.WithLabelValues("write").Observe(elapsed.Seconds())
	storeBytesTotal.WithLabelValues("write").Add(float64(bytes))
}

// ObserveRead records a read.
func (StoreHook) ObserveRead(elapsed time.Duration, bytes int) {
	storeOpDurationSeconds.WithLabelValues("read").Observe(elapsed.Seconds())
	storeBytesTotal.WithLabelValues("read").Add(float64(bytes))
}

// ObserveSync records a durability sync.
func (StoreHook) ObserveSync(elapsed time.Duration) {
	storeOpDurationSeconds.WithLabelValues("sync").Observe(elapsed.Seconds())
}

// JournalHook feeds journal hub throughput into the collectors. It satisfies
// journal.Hooks.
type JournalHook struct{}

// NewJournalHook initializes the collectors and returns a JournalHook.
func NewJournalHook() JournalHook {
	Init()
	return JournalHook{}
}

// EventsDropped counts events lost to backpressure.
func (JournalHook) EventsDropped(n int) { journalDroppedTotal.Add(float64(n)) }

// BatchFlushed records one batch handed to the sinks.
func (JournalHook) BatchFlushed(events int, elapsed time.Duration) {
	journalEventsFlushedTotal.Add(float64(events))
	journalFlushSeconds.Observe(elapsed.Seconds())
}

// SinkFailed counts a failed Consume.
func (JournalHook) SinkFailed() { journalSinkFailuresTotal.Inc() }
