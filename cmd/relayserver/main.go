// Package main provides the relay server binary: players connect over
// WebSocket, rooms live in the configured registry, and peer-mode players use
// it to exchange WebRTC signals.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/gameserver"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/server"
	"github.com/cory-johannsen/flyingchess/internal/transport/relay"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/relay.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Server.Mode != config.ModeRelay {
		log.Fatalf("relayserver requires server.mode %q, got %q", config.ModeRelay, cfg.Server.Mode)
	}

	logger, err := observability.NewProcessLogger(cfg, "relayserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("name", cfg.Server.Name),
		zap.String("addr", cfg.Relay.Addr()),
		zap.String("registry", cfg.Registry.Backend),
	)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	stackStart := time.Now()
	stack, err := gameserver.Build(ctx, cfg, nil, logger, metrics)
	if err != nil {
		logger.Fatal("building game stack", zap.Error(err))
	}
	defer stack.Close(ctx)
	logger.Info("game stack ready",
		zap.Int("board_length", len(stack.Board.Path())),
		zap.Strings("task_sets", stack.Board.TaskSetNames()),
		zap.Duration("elapsed", time.Since(stackStart)),
	)

	relaySrv := relay.NewServer(cfg.Relay, stack.Hub, logger)
	sweeper := stack.NewSweeper(cfg.Registry, logger)
	health := server.NewHealthService(cfg.Health.Addr(), logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("health", health)
	if metrics != nil {
		lifecycle.Add("metrics", server.NewHTTPService("metrics", cfg.Metrics.Addr(), metrics.Handler(), logger))
	}
	lifecycle.Add("sweeper", server.NewContextService(func(ctx context.Context) error {
		sweeper.Start(ctx)
		<-ctx.Done()
		return ctx.Err()
	}))
	if stack.Pool != nil {
		lifecycle.Add("database", server.NewContextService(func(ctx context.Context) error {
			return stack.CheckDatabase(ctx, 30*time.Second, health.SetServing, logger)
		}))
	}
	lifecycle.Add("relay", &server.FuncService{
		StartFn: relaySrv.ListenAndServe,
		StopFn:  relaySrv.Stop,
	})
	lifecycle.OnShutdown(func() { health.SetServing(false) })

	logger.Info("relay server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("relay server stopped", zap.Error(err))
	}
}
