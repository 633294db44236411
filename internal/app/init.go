package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/obs"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/pool"
	"github.com/modelmux/modelmux/internal/proxy"
	"github.com/modelmux/modelmux/internal/refresh"
	"github.com/modelmux/modelmux/internal/store"
)

// initStore opens the machine document store.
func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "sqlite":
		if err := os.MkdirAll(a.cfg.Store.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(a.cfg.Store.DataDir, "machines.db")
		s, err := store.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.machines = s
		a.log.Info("store ready", slog.String("mode", "sqlite"), slog.String("path", path))

	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))
		s, err := store.NewRedisFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.machines = s
		a.log.Info("store ready", slog.String("mode", "redis"))

	case "memory":
		a.machines = store.NewMemory()
		a.log.Warn("store ready", slog.String("mode", "memory"),
			slog.String("note", "nothing survives a restart"))

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initBootstrap seeds the default machine when the store has none.
func (a *App) initBootstrap(ctx context.Context) error {
	return a.bootstrap(ctx)
}

// initRecorder starts the async request-detail recorder, unless disabled.
func (a *App) initRecorder(ctx context.Context) error {
	if !a.cfg.Observability.Enabled || a.cfg.Observability.Sink == "none" {
		a.log.Info("request recording disabled")
		return nil
	}

	var (
		sink obs.Sink
		err  error
	)
	switch a.cfg.Observability.Sink {
	case "sqlite":
		path := filepath.Join(a.cfg.Store.DataDir, "observability.db")
		if mkErr := os.MkdirAll(a.cfg.Store.DataDir, 0o755); mkErr != nil {
			return fmt.Errorf("create data dir: %w", mkErr)
		}
		sink, err = obs.NewSQLiteSink(path, a.cfg.Observability.MaxRecords)

	case "clickhouse":
		sink, err = obs.NewClickHouseSink(ctx, a.cfg.Observability.ClickHouseURL)

	case "log":
		sink = obs.NewLogSink(a.log)

	default:
		return fmt.Errorf("unknown observability sink: %s", a.cfg.Observability.Sink)
	}
	if err != nil {
		return fmt.Errorf("%s sink: %w", a.cfg.Observability.Sink, err)
	}

	rec, err := obs.New(a.baseCtx, obs.Options{
		Sink:          sink,
		Log:           a.log,
		BatchSize:     a.cfg.Observability.BatchSize,
		FlushInterval: a.cfg.Observability.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	a.recorder = rec
	a.log.Info("request recording enabled", slog.String("sink", a.cfg.Observability.Sink))

	return nil
}

// initCore builds the metrics registry, credential pool, token refresher,
// executors and the request pipeline.
func (a *App) initCore(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// All subsystems read and write machine documents through the measured
	// wrapper so store latency shows up in /metrics.
	ms := measuredStore{Machines: a.machines, prom: a.prom}

	a.pool = pool.New(pool.Options{
		Store:           ms,
		Log:             a.log,
		CoolingObserver: a.prom.SetCredentialsCooling,
	})

	a.refresher = refresh.New(refresh.Options{
		Store:    ms,
		Log:      a.log,
		Observer: a.prom.RecordTokenRefresh,
	})

	a.executors = executor.NewSet(executor.Options{Log: a.log})

	a.pipe = pipeline.New(pipeline.Options{
		Store:            ms,
		Pool:             a.pool,
		Refresher:        a.refresher,
		Executors:        a.executors,
		Recorder:         a.recorder,
		Metrics:          a.prom,
		Log:              a.log,
		DefaultMachineID: a.cfg.MachineID,
		KeySecret:        a.cfg.KeySecret,
		CharsPerToken:    a.cfg.Estimate.CharsPerToken,
		TokenPad:         a.cfg.Estimate.TokenPad,
		MaxCaptureKB:     a.cfg.Observability.MaxBodyKB,
	})

	return nil
}

// initServer builds the HTTP front end.
func (a *App) initServer(_ context.Context) error {
	a.srv = proxy.New(proxy.Options{
		Pipeline:    a.pipe,
		Log:         a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
		Metrics:     a.prom.Handler(),
	})
	return nil
}

// measuredStore counts machine-store operations in Prometheus. Close passes
// through to the wrapped backend.
type measuredStore struct {
	store.Machines
	prom *metrics.Registry
}

func (s measuredStore) Get(ctx context.Context, id string) (*store.MachineData, error) {
	m, err := s.Machines.Get(ctx, id)
	s.prom.RecordStoreOp("get", ignoreNotFound(err))
	return m, err
}

func (s measuredStore) Put(ctx context.Context, m *store.MachineData) error {
	err := s.Machines.Put(ctx, m)
	s.prom.RecordStoreOp("put", err)
	return err
}

func (s measuredStore) Mutate(ctx context.Context, id string, fn func(*store.MachineData) error) error {
	err := s.Machines.Mutate(ctx, id, fn)
	s.prom.RecordStoreOp("mutate", ignoreNotFound(err))
	return err
}

func (s measuredStore) FindKey(ctx context.Context, rawKey string) (*store.MachineData, *store.APIKey, error) {
	m, k, err := s.Machines.FindKey(ctx, rawKey)
	s.prom.RecordStoreOp("find_key", ignoreNotFound(err))
	return m, k, err
}

// ignoreNotFound keeps lookup misses out of the store error count.
func ignoreNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	return err
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
