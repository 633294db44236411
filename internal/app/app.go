// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore     — machine document store (SQLite, Redis or memory)
//  2. initBootstrap — seed the default machine from environment credentials
//  3. initRecorder  — async request-detail recorder
//  4. initCore      — metrics, credential pool, token refresher, executors, pipeline
//  5. initServer    — HTTP front end
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/obs"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/pool"
	"github.com/modelmux/modelmux/internal/proxy"
	"github.com/modelmux/modelmux/internal/refresh"
	"github.com/modelmux/modelmux/internal/store"
)

// shutdownGrace is how long in-flight streams get to finish after SIGTERM.
const shutdownGrace = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	machines store.Machines
	recorder *obs.Recorder

	prom      *metrics.Registry
	pool      *pool.Pool
	refresher *refresh.Refresher
	executors *executor.Set
	pipe      *pipeline.Pipeline

	srv *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"bootstrap", a.initBootstrap},
		{"recorder", a.initRecorder},
		{"core", a.initCore},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("observability_sink", a.cfg.Observability.Sink),
		slog.Int("seeded_credentials", len(a.cfg.Seed)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(shCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}

		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		if n := a.recorder.Dropped(); n > 0 {
			a.log.Warn("request records dropped", slog.Int64("count", n))
		}
		a.recorder = nil
	}
	if a.machines != nil {
		if err := a.machines.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.machines = nil
	}
}
