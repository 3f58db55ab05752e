// Package server runs a frontier process: the HTTP API, the in-process worker
// pool and the periodic checkpoint, with graceful shutdown on signal.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// Server owns the long-running pieces built on top of an app.App.
type Server struct {
	app      *app.App
	logger   *zap.Logger
	api      *api.Server
	dispatch *dispatcher.Dispatcher
}

// New builds the API server and, when workers.count > 0, an in-process worker
// pool. Without a fetch transport the pool runs workers in dry-run mode; real
// fetchers lease through the API instead.
func New(a *app.App) *Server {
	cfg := a.GetConfig()
	logger := a.GetLogger()
	s := &Server{
		app:    a,
		logger: logger,
		api:    api.NewServer(a.GetFrontier(), cfg, logger),
	}
	if cfg.Workers.Count > 0 {
		s.dispatch = dispatcher.NewPool(
			cfg.Workers.Count,
			a.GetFrontier(),
			worker.LogProcessor{Logger: logger.Named("dry_run")},
			worker.Config{ProcessTimeout: cfg.Workers.ProcessTimeout},
			logger,
		)
	}
	return s
}

// Run listens on the configured port until ctx ends or SIGINT/SIGTERM arrives,
// then shuts down and closes the app.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.app.GetConfig().Server.Port))
	if err != nil {
		return errors.Join(fmt.Errorf("listen: %w", err), s.app.Close(ctx))
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	s.logger.Info("frontier server started", zap.String("addr", ln.Addr().String()))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runErrs []error
	)
	fail := func(err error) {
		mu.Lock()
		runErrs = append(runErrs, err)
		mu.Unlock()
		stop()
	}

	if s.dispatch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("dispatcher started", zap.Int("workers", s.app.GetConfig().Workers.Count))
			if err := s.dispatch.Run(ctx); err != nil {
				s.logger.Error("dispatcher stopped", zap.Error(err))
				fail(fmt.Errorf("dispatcher: %w", err))
			}
		}()
	}

	if every := s.app.GetConfig().Store.CheckpointInterval; every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.checkpoint(ctx, every)
		}()
	}

	srv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
			fail(fmt.Errorf("http server: %w", err))
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	timeout := s.app.GetConfig().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers must hand back or finish their items before the frontier closes.
	wg.Wait()
	if err := s.app.Close(shutdownCtx); err != nil {
		fail(err)
	}

	s.logger.Info("shutdown complete")
	mu.Lock()
	defer mu.Unlock()
	return errors.Join(runErrs...)
}

// checkpoint forces buffered frontier state to disk every interval.
func (s *Server) checkpoint(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.app.GetFrontier().Sync(); err != nil {
				s.logger.Warn("checkpoint failed", zap.Error(err))
			}
		}
	}
}
