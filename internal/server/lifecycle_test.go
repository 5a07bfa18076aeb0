package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// blockingService runs until stopped and records the stop order.
type blockingService struct {
	name    string
	order   *stopOrder
	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newBlocking(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, order: order, stop: make(chan struct{})}
}

func (b *blockingService) Start() error {
	b.started.Store(true)
	<-b.stop
	return nil
}

func (b *blockingService) Stop() {
	b.once.Do(func() {
		b.order.add(b.name)
		close(b.stop)
	})
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (s *stopOrder) add(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
}

func (s *stopOrder) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func TestLifecycle_StopsInReverseOrderAfterHooks(t *testing.T) {
	order := &stopOrder{}
	lc := NewLifecycle(zaptest.NewLogger(t))
	first := newBlocking("listener", order)
	second := newBlocking("sweeper", order)
	lc.Add("listener", first)
	lc.Add("sweeper", second)
	lc.OnShutdown(func() { order.add("hook") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool { return first.started.Load() && second.started.Load() },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"hook", "sweeper", "listener"}, order.get())
}

func TestLifecycle_ServiceFailureStopsEverything(t *testing.T) {
	order := &stopOrder{}
	lc := NewLifecycle(zaptest.NewLogger(t))
	steady := newBlocking("steady", order)
	boom := errors.New("bind: address in use")
	lc.Add("steady", steady)
	lc.Add("broken", &FuncService{
		StartFn: func() error { return boom },
		StopFn:  func() { order.add("broken") },
	})

	err := lc.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "service broken")
	assert.Equal(t, []string{"broken", "steady"}, order.get())
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	err := svc.Start()
	assert.NoError(t, err)
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}

func TestContextService(t *testing.T) {
	running := make(chan struct{})
	svc := NewContextService(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	<-running
	svc.Stop()
	assert.NoError(t, <-errCh, "cancellation by Stop is a clean exit")
}

func TestContextService_StopBeforeStart(t *testing.T) {
	svc := NewContextService(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	svc.Stop()
	assert.NoError(t, svc.Start())
}

func TestContextService_ReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	svc := NewContextService(func(context.Context) error { return boom })
	assert.ErrorIs(t, svc.Start(), boom)
	svc.Stop()
}
