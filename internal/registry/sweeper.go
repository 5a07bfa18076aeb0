package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically purges rooms and players that have been idle for
// longer than the inactivity timeout.
//
// Invariant: at most one sweep runs per interval.
type Sweeper struct {
	reg      Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	hooks []func(SweepResult)
}

// NewSweeper returns a sweeper over reg.
//
// Precondition: interval and maxIdle must be > 0.
func NewSweeper(reg Registry, interval, maxIdle time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 || maxIdle <= 0 {
		panic("registry.NewSweeper: interval and maxIdle must be > 0")
	}
	return &Sweeper{
		reg:      reg,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
		now:      time.Now,
	}
}

// OnSweep registers fn to be called after each sweep that deleted something.
func (s *Sweeper) OnSweep(fn func(SweepResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Start begins the sweep loop. Runs until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("registry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// SweepOnce runs a single sweep and notifies hooks.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	res, err := s.reg.Sweep(ctx, s.now(), s.maxIdle)
	if err != nil {
		return res, err
	}
	if len(res.Rooms) == 0 && len(res.Players) == 0 {
		return res, nil
	}
	s.logger.Info("swept inactive entries",
		zap.Strings("rooms", res.Rooms),
		zap.Strings("players", res.Players),
	)
	s.mu.Lock()
	hooks := append([]func(SweepResult){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
	return res, nil
}
