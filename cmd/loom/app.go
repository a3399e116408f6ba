package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/executor"
	"github.com/rendis/loom/internal/locks"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/metrics"
	"github.com/rendis/loom/internal/orchestrator"
	"github.com/rendis/loom/internal/pipeline"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/samples"
	"github.com/rendis/loom/internal/scheduler"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/internal/worker"
	"github.com/rendis/loom/pkg/client"
)

// app is the wired engine for one process.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	queue   queue.TaskQueue
	locker  locks.Locker
	hub     streaming.Hub
	redis   *redis.Client
	reg     *registry.Registry
	metrics *metrics.Metrics
	orc     *orchestrator.Orchestrator
	client  *client.Client
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	return logging.NewLogger(w, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
}

// newApp opens the store, picks the queue backend and registers every
// workflow type. Without a Redis address the queue and locks live in this
// process only.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if a.store, err = store.NewLibSQLStore("file:" + cfg.DBPath); err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	qopts := queue.Options{PollTimeout: time.Duration(cfg.PollTimeout)}
	if cfg.RedisAddr == "" {
		a.queue = queue.NewMemoryQueue(qopts)
		a.locker = locks.NewKeyedMutex()
		a.hub = streaming.NewMemoryHub()
	} else {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.queue = queue.NewRedisQueue(a.redis, "", qopts)
		a.locker = locks.NewRedisLocker(a.redis, "", locks.WithLogger(logger))
		a.hub = streaming.NewRedisHub(a.redis, "", logger)
	}

	if a.reg, err = registry.New(nil); err != nil {
		return nil, err
	}
	if err := samples.Register(a.reg, samples.NewActivities()); err != nil {
		return nil, fmt.Errorf("register samples: %w", err)
	}
	if err := a.loadPipelines(); err != nil {
		return nil, err
	}

	a.orc, err = orchestrator.New(orchestrator.Options{
		Store:    a.store,
		Queue:    a.queue,
		Registry: a.reg,
		Locker:   a.locker,
		Hub:      a.hub,
		Metrics:  a.metrics,
		Logger:   logger,
		Config: orchestrator.Config{
			TaskQueue:     cfg.TaskQueue,
			CancelTimeout: time.Duration(cfg.CancelTimeout),
		},
	})
	if err != nil {
		return nil, err
	}
	a.client, err = client.New(client.Options{
		Store:        a.store,
		Orchestrator: a.orc,
		Hub:          a.hub,
		Logger:       logger,
		Metrics:      a.metrics,
		TaskQueue:    cfg.TaskQueue,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) loadPipelines() error {
	if a.cfg.PipelinesDir == "" {
		return nil
	}
	if _, err := os.Stat(a.cfg.PipelinesDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	loader, err := pipeline.NewLoader()
	if err != nil {
		return err
	}
	names, err := pipeline.LoadAndRegister(loader, a.cfg.PipelinesDir, a.reg)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		a.logger.Info("pipelines registered", "dir", a.cfg.PipelinesDir, "types", names)
	}
	return nil
}

// distributed reports whether other processes share this app's queue.
func (a *app) distributed() bool { return a.redis != nil }

func (a *app) newWorker() (*worker.Worker, error) {
	breakers := engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	cfg := worker.DefaultConfig()
	cfg.TaskQueue = a.cfg.TaskQueue
	cfg.PoolSize = a.cfg.PoolSize
	return worker.New(worker.Options{
		Orchestrator: a.orc,
		Queue:        a.queue,
		Executor:     executor.New(a.reg, breakers, a.logger),
		Metrics:      a.metrics,
		Logger:       a.logger,
		Config:       cfg,
	})
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Store:     a.store,
		Starter:   a.orc,
		Locker:    a.locker,
		Logger:    a.logger,
		TaskQueue: a.cfg.TaskQueue,
	})
}

// withLocalWorker runs fn while a worker drains this process's queue. With a
// shared queue fn runs alone and the serve processes do the work.
func (a *app) withLocalWorker(ctx context.Context, fn func(ctx context.Context) error) error {
	if a.distributed() {
		return fn(ctx)
	}
	w, err := a.newWorker()
	if err != nil {
		return err
	}
	wctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()

	err = fn(ctx)
	stop()
	if werr := <-done; werr != nil && err == nil {
		err = werr
	}
	return err
}

func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.orc != nil {
		a.orc.Close()
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
