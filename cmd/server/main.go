// Package main is the entry point for the coderun API server.
//
// The server accepts source code over WebSocket and REST, runs each
// submission in a throwaway Docker container and streams the program's
// output back. When Redis is configured it also accepts queued jobs and
// relays their events from the worker fleet.
//
// Dependencies are wired with fx; logging is zap and configuration is viper.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/config"
	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/engine"
	"github.com/dontdude/coderun/internal/language"
	"github.com/dontdude/coderun/internal/logger"
	"github.com/dontdude/coderun/internal/mcpserver"
	"github.com/dontdude/coderun/internal/platform/docker"
	"github.com/dontdude/coderun/internal/platform/queue"
	"github.com/dontdude/coderun/internal/platform/web"
)

const shutdownTimeout = 90 * time.Second

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			logger.NewFromConfig,
			newRegistry,
			newDockerClient,
			newEngine,
			newQueue,
			mcpserver.New,
			newServer,
		),

		fx.Invoke(func(*web.Server) {}),

		// Shutdown waits for running sessions; cover compile, run and teardown ceilings.
		fx.StopTimeout(shutdownTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newRegistry(cfg *config.Config) (*language.Registry, error) {
	return language.NewRegistry(cfg.LanguageTemplates())
}

// newDockerClient connects to the daemon and, if configured, pre-pulls every language image.
func newDockerClient(lc fx.Lifecycle, cfg *config.Config, registry *language.Registry, log *zap.Logger) (*docker.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Docker.APITimeout)
	defer cancel()

	client, err := docker.NewClient(ctx, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Docker.PullImages {
				return nil
			}
			return client.EnsureImages(ctx, registry.Images())
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newEngine(cfg *config.Config, client *docker.Client, registry *language.Registry, log *zap.Logger) domain.Executor {
	return engine.New(client, registry, cfg.EngineConfig(), log)
}

// newQueue returns nil when no Redis address is configured.
func newQueue(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*queue.RedisQueue, error) {
	if !cfg.QueueEnabled() {
		log.Info("redis not configured, queued jobs disabled")
		return nil, nil
	}

	q, err := queue.NewRedisQueue(context.Background(), queue.Options{
		Addr:          cfg.Redis.Addr,
		Stream:        cfg.Redis.Stream,
		Group:         cfg.Redis.Group,
		EventsChannel: cfg.Redis.EventsChannel,
	}, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return q.Close()
		},
	})
	return q, nil
}

func newServer(lc fx.Lifecycle, cfg *config.Config, executor domain.Executor, q *queue.RedisQueue, mcp *mcpserver.MCPServer, log *zap.Logger) *web.Server {
	options := []web.Option{web.WithHandler("/mcp", mcp.Handler())}
	if q != nil {
		options = append(options, web.WithQueue(q))
	}

	srv := web.New(web.Options{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, executor, log, options...)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			return nil
		},
		OnStop: srv.Shutdown,
	})
	return srv
}
