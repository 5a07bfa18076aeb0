// Package peer carries envelopes over negotiated data channels. A relay is
// used only to exchange offers, answers and candidates; play traffic flows
// directly between the host device and each guest.
package peer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// SignalHandler receives one inbound signal.
type SignalHandler func(ctx context.Context, sig negotiation.Signal)

// SignalPath sends signals to remote players and delivers the ones addressed
// to this device.
type SignalPath interface {
	negotiation.Signaler
	// OnSignal registers fn for inbound signals and returns a func removing it.
	OnSignal(fn SignalHandler) func()
}

// RelayLink is the part of a relay client the signaling path needs.
type RelayLink interface {
	Notify(ctx context.Context, event string, data any) error
	Subscribe(event string, h protocol.Handler) func()
}

// RelaySignaler exchanges signals as peer:signal envelopes over a relay
// connection. The relay forwards each one to the player named in its "to" field.
type RelaySignaler struct {
	link   RelayLink
	logger *zap.Logger
}

// NewRelaySignaler wraps link.
//
// Precondition: link and logger must be non-nil.
func NewRelaySignaler(link RelayLink, logger *zap.Logger) *RelaySignaler {
	return &RelaySignaler{link: link, logger: logger}
}

// Signal sends sig through the relay.
func (r *RelaySignaler) Signal(ctx context.Context, sig negotiation.Signal) error {
	if err := r.link.Notify(ctx, protocol.EventPeerSignal, sig); err != nil {
		return fmt.Errorf("relaying %s signal to %s: %w", sig.Type, sig.To, err)
	}
	return nil
}

// OnSignal subscribes fn to forwarded peer:signal envelopes.
func (r *RelaySignaler) OnSignal(fn SignalHandler) func() {
	return r.link.Subscribe(protocol.EventPeerSignal, func(env protocol.Envelope) {
		var sig negotiation.Signal
		if err := env.Decode(&sig); err != nil {
			r.logger.Warn("dropping malformed signal", zap.Error(err))
			return
		}
		fn(context.Background(), sig)
	})
}

// MemorySwitch routes signals between endpoints in the same process.
type MemorySwitch struct {
	mu       sync.Mutex
	handlers map[string]map[uint64]SignalHandler
	next     uint64
}

// NewMemorySwitch returns an empty MemorySwitch.
func NewMemorySwitch() *MemorySwitch {
	return &MemorySwitch{handlers: make(map[string]map[uint64]SignalHandler)}
}

// Endpoint returns the signaling path for the player id.
func (m *MemorySwitch) Endpoint(id string) SignalPath {
	return &memoryEndpoint{sw: m, id: id}
}

type memoryEndpoint struct {
	sw *MemorySwitch
	id string
}

// Signal hands sig to every handler registered for sig.To, each on its own goroutine.
func (e *memoryEndpoint) Signal(_ context.Context, sig negotiation.Signal) error {
	e.sw.mu.Lock()
	var targets []SignalHandler
	for _, fn := range e.sw.handlers[sig.To] {
		targets = append(targets, fn)
	}
	e.sw.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("no endpoint listening for %q", sig.To)
	}
	for _, fn := range targets {
		go fn(context.Background(), sig)
	}
	return nil
}

func (e *memoryEndpoint) OnSignal(fn SignalHandler) func() {
	e.sw.mu.Lock()
	defer e.sw.mu.Unlock()
	e.sw.next++
	key := e.sw.next
	if e.sw.handlers[e.id] == nil {
		e.sw.handlers[e.id] = make(map[uint64]SignalHandler)
	}
	e.sw.handlers[e.id][key] = fn
	return func() {
		e.sw.mu.Lock()
		defer e.sw.mu.Unlock()
		delete(e.sw.handlers[e.id], key)
	}
}
