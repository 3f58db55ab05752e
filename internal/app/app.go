// Package app initializes and holds the long-lived services behind a frontier
// process: the storage engine, the journal hub with its sinks, and the
// frontier itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/clock/system"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/id/uuid"
	"github.com/JakeFAU/crawl-frontier/internal/journal"
	"github.com/JakeFAU/crawl-frontier/internal/journal/sinks"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/store/bolt"
	"github.com/JakeFAU/crawl-frontier/internal/store/memory"
	"github.com/JakeFAU/crawl-frontier/internal/store/pebble"
)

// App holds the shared services for one frontier process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	frontier *frontier.Frontier
	hub      *journal.Hub
}

// GetLogger returns the process logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetFrontier returns the open frontier.
func (a *App) GetFrontier() *frontier.Frontier {
	return a.frontier
}

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// RunID identifies this process's session in journal events and reports.
func (a *App) RunID() string {
	return a.runID
}

// New opens the configured store, starts the journal hub and loads the
// frontier. It fails fast: anything opened before an error is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("initializing frontier services",
		zap.String("engine", cfg.Store.Engine),
		zap.String("path", cfg.Store.Path),
	)

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	var hub *journal.Hub
	if cfg.Journal.Enabled {
		sinkList, err := buildSinks(ctx, cfg.Journal, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		hub = journal.NewHub(journal.Config{
			BufferSize:     cfg.Journal.BufferSize,
			MaxBatchEvents: cfg.Journal.MaxBatchEvents,
			MaxBatchWait:   cfg.Journal.MaxBatchWait,
			SinkTimeout:    cfg.Journal.SinkTimeout,
			RunID:          runID,
			Clock:          clock,
			Hooks:          metrics.NewJournalHook(),
			Logger:         logger.Named("journal"),
		}, sinkList...)
	}

	opts := cfg.FrontierOptions()
	opts.Clock = clock
	opts.Observer = metrics.NewObserver()
	opts.Logger = logger.Named("frontier")
	opts.RunID = runID
	if hub != nil {
		opts.Journal = hub
	}
	f, err := frontier.Open(st, opts)
	if err != nil {
		_ = hub.Close(ctx)
		_ = st.Close()
		return nil, fmt.Errorf("open frontier: %w", err)
	}

	logger.Info("frontier services initialized",
		zap.Int("queues", f.Snapshot().Totals.Queues),
		zap.Uint64("last_ordinal", f.Sequence().Last()),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		frontier: f,
		hub:      hub,
	}, nil
}

// Close shuts the frontier down before the journal so every event it records
// while closing is still flushed.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down frontier services")
	var errs []error
	if err := a.frontier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close frontier: %w", err))
	}
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := a.logger.Sync(); err != nil && !isIgnorableSyncErr(err) {
		errs = append(errs, fmt.Errorf("sync logger: %w", err))
	}
	return errors.Join(errs...)
}

// isIgnorableSyncErr reports the errors fsync gives for stdout or stderr when
// they are a terminal or pipe.
func isIgnorableSyncErr(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return memory.New(), nil
	case config.EngineBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		st, err := bolt.Open(cfg.Path, cfg.Fsync == "always")
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return st, nil
	case config.EnginePebble:
		mode, err := pebble.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		st, err := pebble.Open(pebble.Options{
			DataDir: cfg.Path,
			Fsync:   mode,
			Metrics: metrics.NewStoreHook(),
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Engine)
	}
}

// buildSinks creates every sink the journal config names, closing the ones
// already built if a later one fails.
func buildSinks(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) ([]journal.Sink, error) {
	var built []journal.Sink
	fail := func(err error) ([]journal.Sink, error) {
		for _, s := range built {
			_ = s.Close(ctx)
		}
		return nil, err
	}

	if cfg.Log {
		built = append(built, sinks.NewLogSink(logger.Named("events")))
	}
	if cfg.Prometheus {
		s, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			return fail(err)
		}
		built = append(built, s)
	}
	if cfg.File.Path != "" {
		s, err := sinks.NewFileSink(cfg.File.Path, cfg.File.Sync)
		if err != nil {
			return fail(err)
		}
		built = append(built, s)
	}
	if cfg.Postgres.DSN != "" {
		s, err := sinks.NewPostgresSink(ctx, sinks.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fail(err)
		}
		built = append(built, s)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		s, err := sinks.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fail(err)
		}
		built = append(built, s)
	}
	if cfg.PubSub.ProjectID != "" {
		s, err := sinks.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fail(err)
		}
		built = append(built, s)
	}
	logger.Info("journal sinks configured", zap.Int("sinks", len(built)))
	return built, nil
}
