package journal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Config controls buffering and batching for the Hub. Zero fields take the
// defaults below.
type Config struct {
	// BufferSize is how many events may wait for the batcher before new ones
	// are dropped.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	BaseContext context.Context
	// RunID is stamped on every event recorded through the frontier.Journal methods.
	RunID  string
	Clock  frontier.Clock
	Hooks  Hooks
	Logger *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hooks observes journal throughput.
type Hooks interface {
	EventsDropped(n int)
	BatchFlushed(events int, elapsed time.Duration)
	SinkFailed()
}

type noHooks struct{}

func (noHooks) EventsDropped(int)               {}
func (noHooks) BatchFlushed(int, time.Duration) {}
func (noHooks) SinkFailed()                     {}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Stats counts what a Hub did with the events handed to it.
type Stats struct {
	Recorded     int64 `json:"recorded"`
	Dropped      int64 `json:"dropped"`
	Invalid      int64 `json:"invalid"`
	Batches      int64 `json:"batches"`
	Delivered    int64 `json:"delivered"`
	SinkFailures int64 `json:"sink_failures"`
}

type counters struct {
	recorded     atomic.Int64
	dropped      atomic.Int64
	invalid      atomic.Int64
	batches      atomic.Int64
	delivered    atomic.Int64
	sinkFailures atomic.Int64
	// unlogged counts drops since the last backpressure warning.
	unlogged atomic.Int64
}

// Hub is the frontier's Journal. Transitions are buffered, grouped into
// batches and handed to every sink in order. Recording never blocks the
// scheduler: when the buffer is full the event is dropped and counted.
type Hub struct {
	cfg     Config
	sinks   []Sink
	queue   chan Event
	quit    chan context.Context
	done    chan struct{}
	logger  *zap.Logger
	dropLog *rate.Limiter
	closed  atomic.Bool
	stats   counters
}

var _ frontier.Journal = (*Hub)(nil)

// NewHub starts a Hub writing to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Hooks == nil {
		cfg.Hooks = noHooks{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   live,
		queue:   make(chan Event, cfg.BufferSize),
		quit:    make(chan context.Context, 1),
		done:    make(chan struct{}),
		logger:  logger,
		dropLog: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Added records a newly scheduled item.
func (h *Hub) Added(uri frontier.CrawlURI) { h.record(KindAdded, uri) }

// Emitted records an item handed to a worker.
func (h *Hub) Emitted(uri frontier.CrawlURI) { h.record(KindEmitted, uri) }

// FinishedSuccess records a successful completion.
func (h *Hub) FinishedSuccess(uri frontier.CrawlURI) { h.record(KindFinishedSuccess, uri) }

// FinishedFailure records a failed completion.
func (h *Hub) FinishedFailure(uri frontier.CrawlURI) { h.record(KindFinishedFailure, uri) }

// Rescheduled records an item put back for retry.
func (h *Hub) Rescheduled(uri frontier.CrawlURI) { h.record(KindRescheduled, uri) }

func (h *Hub) record(kind Kind, uri frontier.CrawlURI) {
	if h == nil || h.closed.Load() {
		return
	}
	h.Emit(NewEvent(kind, uri, h.cfg.RunID, h.cfg.Clock.Now()))
}

// Emit buffers a prepared Event. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.stats.invalid.Add(1)
		h.logger.Debug("discarding invalid journal event", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
		h.stats.recorded.Add(1)
	default:
		h.dropped(evt)
	}
}

func (h *Hub) dropped(evt Event) {
	h.stats.dropped.Add(1)
	h.stats.unlogged.Add(1)
	if h.cfg.Hooks != nil {
		h.cfg.Hooks.EventsDropped(1)
	}
	if h.dropLog != nil && !h.dropLog.Allow() {
		return
	}
	h.logger.Warn("journal events dropped due to backpressure",
		zap.Int64("dropped", h.stats.unlogged.Swap(0)),
		zap.String("last_kind", string(evt.Kind)),
		zap.String("class_key", evt.ClassKey),
	)
}

// Stats returns the running counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Recorded:     h.stats.recorded.Load(),
		Dropped:      h.stats.dropped.Load(),
		Invalid:      h.stats.invalid.Load(),
		Batches:      h.stats.batches.Load(),
		Delivered:    h.stats.delivered.Load(),
		SinkFailures: h.stats.sinkFailures.Load(),
	}
}

// Close stops recording, flushes what is buffered and closes the sinks with
// ctx. Later calls only wait for the first to finish.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if h.closed.CompareAndSwap(false, true) {
		h.quit <- ctx
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer *time.Timer
		due   <-chan time.Time
	)
	ship := func() {
		if timer != nil {
			timer.Stop()
		}
		due = nil
		h.flush(batch)
		batch = batch[:0]
	}
	add := func(evt Event) {
		batch = append(batch, evt)
		if len(batch) >= h.cfg.MaxBatchEvents {
			ship()
		}
	}

	for {
		select {
		case evt := <-h.queue:
			add(evt)
			if len(batch) > 0 && due == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			ship()
		case ctx := <-h.quit:
			for pending := len(h.queue); pending > 0; pending-- {
				add(<-h.queue)
			}
			ship()
			h.closeSinks(ctx)
			return
		}
	}
}

// flush hands batch to each sink. A failing sink is logged and skipped; the
// others still receive the batch.
func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	out := append([]Event(nil), batch...)
	for i, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, out)
		cancel()
		if err != nil {
			h.stats.sinkFailures.Add(1)
			h.cfg.Hooks.SinkFailed()
			h.logger.Warn("journal sink consume failed",
				zap.Int("sink", i),
				zap.String("sink_type", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(out)),
				zap.Uint64("first_ordinal", out[0].Ordinal),
				zap.Error(err),
			)
			continue
		}
		h.stats.delivered.Add(int64(len(out)))
	}
	h.stats.batches.Add(1)
	h.cfg.Hooks.BatchFlushed(len(out), time.Since(start))
}

func (h *Hub) closeSinks(ctx context.Context) {
	var errs []error
	for i, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, sink, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("journal sink close failed", zap.Error(err))
	}
}
