// Package dispatcher runs a pool of workers against the frontier.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// NewPool builds n workers sharing src and proc.
func NewPool(n int, src worker.Source, proc worker.Processor, cfg worker.Config, logger *zap.Logger) *Dispatcher {
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(i+1, src, proc, cfg, logger))
	}
	return New(workers, logger)
}

// Run starts all workers and blocks until every one has returned. The first
// worker failure cancels the rest; Run returns the joined failures. Callers
// close the frontier only after Run returns, so in-flight completions land
// before the store closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	d.logger.Info("workers starting", zap.Int("count", len(d.workers)))
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			if err := wk.Run(ctx); err != nil {
				d.logger.Error("worker stopped", zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}(w)
	}
	wg.Wait()
	d.logger.Info("workers stopped")
	return errors.Join(errs...)
}
