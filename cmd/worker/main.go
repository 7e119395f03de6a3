package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/config"
	"github.com/dontdude/coderun/internal/engine"
	"github.com/dontdude/coderun/internal/language"
	"github.com/dontdude/coderun/internal/logger"
	"github.com/dontdude/coderun/internal/platform/docker"
	"github.com/dontdude/coderun/internal/platform/queue"
	"github.com/dontdude/coderun/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config and initialize logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.QueueEnabled() {
		return fmt.Errorf("redis.addr (CODERUN_REDIS_ADDR) is required for the worker")
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("starting coderun worker")

	// Cancelled on SIGINT/SIGTERM; running jobs still finish.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Docker client (fail fast if the daemon is unreachable)
	dockerCtx, cancel := context.WithTimeout(ctx, cfg.Docker.APITimeout)
	client, err := docker.NewClient(dockerCtx, log)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	registry, err := language.NewRegistry(cfg.LanguageTemplates())
	if err != nil {
		return err
	}
	if cfg.Docker.PullImages {
		if err := client.EnsureImages(ctx, registry.Images()); err != nil {
			return err
		}
	}
	executor := engine.New(client, registry, cfg.EngineConfig(), log)

	// 3. Initialize Redis queue
	q, err := queue.NewRedisQueue(ctx, queue.Options{
		Addr:          cfg.Redis.Addr,
		Stream:        cfg.Redis.Stream,
		Group:         cfg.Redis.Group,
		EventsChannel: cfg.Redis.EventsChannel,
	}, log)
	if err != nil {
		return err
	}
	defer q.Close()

	// 4. Start the pool and the stale job recovery
	pool := worker.NewPool(cfg.Worker.Concurrency, executor, q, log)
	pool.Start()

	go q.StartRecoveryRoutine(ctx, cfg.Worker.RecoveryInterval, cfg.Worker.StaleAfter)

	// 5. Consume until shutdown
	jobs, err := q.Subscribe(ctx)
	if err != nil {
		pool.Stop()
		return err
	}
	log.Info("waiting for jobs", zap.String("stream", cfg.Redis.Stream), zap.String("group", cfg.Redis.Group))
	pool.Consume(ctx, jobs)

	// 6. Drain in-flight jobs
	pool.Stop()
	log.Info("worker shut down")
	return nil
}
