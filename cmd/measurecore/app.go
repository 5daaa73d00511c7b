package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"measurecore/internal/blob"
	"measurecore/internal/config"
	"measurecore/internal/core"
	"measurecore/internal/engine"
	lockmemory "measurecore/internal/infra/lock/memory"
	lockredis "measurecore/internal/infra/lock/redis"
	"measurecore/internal/logging"
	"measurecore/internal/registry"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app holds the wired service and everything that must be released on exit.
type app struct {
	svc     *core.Service
	logger  *slog.Logger
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openApp wires storage, schemas, locks, archive and observability from cfg.
func openApp(ctx context.Context, cfg config.Config, stderr io.Writer) (_ *app, err error) {
	logger, logCloser := logging.NewWithWriter(cfg.Logging, stderr)
	a := &app{logger: logger}
	a.onClose(logCloser.Close)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	schemas, err := registry.LoadDir(ctx, cfg.Registry.Dir)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	store, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if d := core.StorageDriver(cfg.Storage.Driver); d == "" || d == core.StorageMemory {
		logger.Warn("memory storage does not persist between runs", "driver", cfg.Storage.Driver)
	}
	if closer, ok := store.(io.Closer); ok {
		a.onClose(closer.Close)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger.With("component", "audit"))),
	}

	engineOpts := []engine.Option{engine.WithLogger(logger.With("component", "engine"))}
	if cfg.Engine.LegacyAverageFallback {
		engineOpts = append(engineOpts, engine.WithLegacyAverageFallback(cfg.Engine.LegacyAverageValue))
	}
	opts = append(opts, core.WithEngine(engine.New(engineOpts...)))

	switch cfg.Lock.Driver {
	case "redis":
		client, err := lockredis.Dial(ctx, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose(client.Close)
		locker := lockredis.New(client, lockredis.Config{TTL: cfg.Lock.TTL}, logger.With("component", "lock"))
		opts = append(opts, core.WithLocker(locker, cfg.Lock.Wait))
	default:
		opts = append(opts, core.WithLocker(lockmemory.New(), cfg.Lock.Wait))
	}

	if cfg.Blob.Driver != "" {
		archive, err := blob.Open(ctx, blob.Config{
			Driver: blob.Driver(cfg.Blob.Driver),
			FSRoot: cfg.Blob.FSRoot,
			S3: blob.S3Config{
				Region:          cfg.Blob.S3.Region,
				Bucket:          cfg.Blob.S3.Bucket,
				Endpoint:        cfg.Blob.S3.Endpoint,
				AccessKeyID:     cfg.Blob.S3.AccessKeyID,
				SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
				PathStyle:       cfg.Blob.S3.PathStyle,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		opts = append(opts, core.WithArchive(archive))
	}

	metricsOpt, err := a.metrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracerOpt, err := a.tracer(cfg.Tracing, stderr)
	if err != nil {
		return nil, err
	}
	opts = append(opts, metricsOpt, tracerOpt)

	a.svc = core.NewService(store, schemas, opts...)
	return a, nil
}

func (a *app) metrics(cfg config.MetricsConfig) (core.Option, error) {
	switch cfg.Driver {
	case "expvar":
		return core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")), nil
	case "prometheus":
		rec, err := core.NewPrometheusMetricsRecorder()
		if err != nil {
			return nil, fmt.Errorf("prometheus metrics: %w", err)
		}
		if cfg.Path != "" {
			a.onClose(func() error { return rec.WriteTextfile(cfg.Path) })
		}
		return core.WithMetricsRecorder(rec), nil
	default:
		return nil, nil
	}
}

func (a *app) tracer(cfg config.TracingConfig, stderr io.Writer) (core.Option, error) {
	out := stderr
	if cfg.Path != "" && cfg.Driver != "none" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.onClose(f.Close)
		out = f
	}
	switch cfg.Driver {
	case "json":
		return core.WithTracer(core.NewJSONTracer(out)), nil
	case "otel":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("otel exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		a.onClose(func() error { return tp.Shutdown(context.Background()) })
		return core.WithTracer(core.NewOTelTracer(tp)), nil
	default:
		return nil, nil
	}
}
