// Package worker drives leased URIs from the frontier through a Processor and
// reports each completion back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Source is the part of the frontier a worker drives.
type Source interface {
	Next(ctx context.Context) (frontier.CrawlURI, error)
	Finished(uri frontier.CrawlURI, cost int64, out frontier.Outcome) error
	Abandon(uri frontier.CrawlURI) error
}

// Result is what a Processor reports for one URI.
type Result struct {
	// Cost is charged to the URI's queue budget.
	Cost    int64
	Outcome frontier.Outcome
}

// Processor handles one leased URI. A returned error is treated as a
// retryable failure unless the worker is shutting down.
type Processor interface {
	Process(ctx context.Context, uri frontier.CrawlURI) (Result, error)
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc func(ctx context.Context, uri frontier.CrawlURI) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, uri frontier.CrawlURI) (Result, error) {
	return f(ctx, uri)
}

// Config controls Worker behavior.
type Config struct {
	// ProcessTimeout bounds one Process call; zero means no limit.
	ProcessTimeout time.Duration
}

// Worker loops Next, Process, Finished until its context ends.
type Worker struct {
	id     int
	src    Source
	proc   Processor
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, src Source, proc Processor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:     id,
		src:    src,
		proc:   proc,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks until ctx ends or the frontier closes, returning nil, or until
// the frontier reports a storage failure, returning it. An item in flight when
// ctx ends is abandoned so its queue can hand it out again.
func (w *Worker) Run(ctx context.Context) error {
	for {
		uri, err := w.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, frontier.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker %d next: %w", w.id, err)
		}
		if err := w.handle(ctx, uri); err != nil {
			if errors.Is(err, frontier.ErrClosed) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, uri frontier.CrawlURI) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	pctx := ctx
	cancel := func() {}
	if w.cfg.ProcessTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	}
	start := time.Now()
	res, err := w.proc.Process(pctx, uri)
	cancel()

	if err != nil && ctx.Err() != nil {
		w.logger.Debug("abandoning in-flight uri", zap.String("uri", uri.URI))
		if aerr := w.src.Abandon(uri); aerr != nil {
			return fmt.Errorf("worker %d abandon %s: %w", w.id, uri.URI, aerr)
		}
		return nil
	}
	if err != nil {
		w.logger.Info("process failed, retrying",
			zap.String("uri", uri.URI),
			zap.Int("attempts", uri.Attempts),
			zap.Error(err),
		)
		res = Result{Cost: int64(uri.Cost), Outcome: frontier.Outcome{Disposition: frontier.Retry}}
	}
	if ferr := w.src.Finished(uri, res.Cost, res.Outcome); ferr != nil {
		return fmt.Errorf("worker %d finished %s: %w", w.id, uri.URI, ferr)
	}
	w.logger.Debug("processed",
		zap.String("uri", uri.URI),
		zap.Stringer("disposition", res.Outcome.Disposition),
		zap.Int64("cost", res.Cost),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// LogProcessor logs each URI and reports success at the URI's own cost. It
// stands in for a fetcher when the frontier runs without one.
type LogProcessor struct {
	Logger *zap.Logger
}

// Process implements Processor.
func (p LogProcessor) Process(_ context.Context, uri frontier.CrawlURI) (Result, error) {
	if p.Logger != nil {
		p.Logger.Info("dry-run fetch",
			zap.String("uri", uri.URI),
			zap.String("class_key", uri.ClassKey),
			zap.Int("priority", uri.Priority),
		)
	}
	return Result{Cost: int64(uri.Cost), Outcome: frontier.Outcome{Disposition: frontier.Success}}, nil
}
