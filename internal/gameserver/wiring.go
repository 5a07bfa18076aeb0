package gameserver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/game"
	"github.com/cory-johannsen/flyingchess/internal/game/board"
	"github.com/cory-johannsen/flyingchess/internal/game/dice"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/storage/postgres"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

const defaultOutboxSize = 64

// Stack is the game side of one deployment: registry, hub, board, engine and
// the Service bound to the hub.
type Stack struct {
	Registry *registry.Store
	Hub      *transport.Hub
	Board    *board.Board
	Engine   *game.Engine
	Service  *Service
	// Pool is the database pool of a postgres-backed registry, nil otherwise.
	Pool *postgres.Pool
}

// OpenRegistry opens the configured registry backend with the host policy of
// the deployment mode.
//
// Postcondition: The returned pool is non-nil only for the postgres backend and
// must be closed by the caller.
func OpenRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (*registry.Store, *postgres.Pool, error) {
	policy := registry.PolicyForMode(cfg.Server.Mode)
	switch cfg.Registry.Backend {
	case config.BackendMemory, "":
		return registry.NewMemory(policy), nil, nil
	case config.BackendPostgres:
		start := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(pool.DSN()); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("registry backed by postgres",
			zap.String("host", cfg.Database.Host),
			zap.Bool("auto_migrate", cfg.Database.AutoMigrate),
			zap.Duration("elapsed", time.Since(start)),
		)
		return registry.NewPersistent(postgres.NewKVStore(pool), policy), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// Build wires a Stack for cfg.Server.Mode. src supplies the dice; nil uses
// crypto/rand.
//
// Precondition: cfg must have passed Validate; logger must be non-nil; metrics may be nil.
func Build(ctx context.Context, cfg config.Config, src dice.Source, logger *zap.Logger, metrics *observability.Metrics) (*Stack, error) {
	b, err := board.Load(cfg.Game.BoardFile, cfg.Game.BoardLength)
	if err != nil {
		return nil, fmt.Errorf("loading board: %w", err)
	}

	reg, pool, err := OpenRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	outbox := cfg.Relay.OutboxSize
	if outbox <= 0 {
		outbox = defaultOutboxSize
	}
	hub := transport.NewHub(cfg.Server.Mode, reg, outbox, logger, metrics)

	if src == nil {
		src = dice.NewCryptoSource()
	}
	rules := game.NewFlyingChess(b, dice.NewRoller(src, logger))
	engine := game.NewEngine(reg, hub, rules, logger)
	svc := NewService(reg, engine, hub, b, Options{
		MaxPlayers:   cfg.Game.MaxPlayers,
		RelaySignals: cfg.Server.Mode == config.ModeRelay,
	}, logger, metrics)

	return &Stack{
		Registry: reg,
		Hub:      hub,
		Board:    b,
		Engine:   engine,
		Service:  svc,
		Pool:     pool,
	}, nil
}

// NewSweeper returns a sweeper over the stack's registry that announces
// expired rooms through the Service.
//
// Precondition: cfg.Registry.SweepInterval and InactivityTimeout must be > 0.
func (s *Stack) NewSweeper(cfg config.RegistryConfig, logger *zap.Logger) *registry.Sweeper {
	sw := registry.NewSweeper(s.Registry, cfg.SweepInterval, cfg.InactivityTimeout, logger)
	sw.OnSweep(func(res registry.SweepResult) {
		s.Service.RoomsExpired(context.Background(), res)
	})
	return sw
}

// CheckDatabase pings the registry database every interval and reports each
// change of reachability to onChange until ctx ends. It returns immediately
// for the memory backend.
func (s *Stack) CheckDatabase(ctx context.Context, interval time.Duration, onChange func(healthy bool), logger *zap.Logger) error {
	if s.Pool == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		err := s.Pool.Health(ctx, 5*time.Second)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok := err == nil; ok != healthy {
			healthy = ok
			if ok {
				logger.Info("database reachable again")
			} else {
				logger.Warn("database health check failed", zap.Error(err))
			}
			onChange(healthy)
		}
	}
}

// Close detaches every connection and releases the registry backend.
func (s *Stack) Close(ctx context.Context) {
	s.Hub.CloseAll(ctx)
	if s.Pool != nil {
		s.Pool.Close()
	}
}
