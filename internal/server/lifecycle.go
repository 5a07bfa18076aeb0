// Package server runs the long-lived parts of a deployment (listeners, hosts,
// sweepers, metrics endpoints) and stops them in reverse order on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start blocks until the service is
// stopped or fails.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// ContextService runs a function until its context is cancelled by Stop.
type ContextService struct {
	run    func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
}

// NewContextService wraps run. A run returning context.Canceled after Stop
// counts as a clean exit.
func NewContextService(run func(ctx context.Context) error) *ContextService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ContextService{run: run, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Start runs the function and blocks until it returns.
//
// Precondition: Start is called at most once.
func (c *ContextService) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	err := c.run(c.ctx)
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels the context and waits for a started function to return.
func (c *ContextService) Stop() {
	c.cancel()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// Lifecycle starts named services in order and stops them in reverse order.
type Lifecycle struct {
	logger *zap.Logger

	mu       sync.Mutex
	services []namedService
	hooks    []func()
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnShutdown registers fn to run before any service is stopped, e.g. to
// report NOT_SERVING to health checks while connections drain.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Run starts all services and blocks until SIGINT or SIGTERM, ctx
// cancellation, or the first service failure.
//
// Postcondition: All services are stopped. Returns the first service error, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	hooks := append([]func(){}, l.hooks...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	for _, fn := range hooks {
		fn()
	}
	l.shutdown(services)
	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
}
