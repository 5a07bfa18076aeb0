package protocol

import "sync"

// AnyEvent subscribes a handler to every event name.
const AnyEvent = "*"

// Handler receives a dispatched envelope.
type Handler func(Envelope)

// Bus dispatches broadcast envelopes to local subscribers by event name.
// All methods are safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]Handler
	next uint64
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for event, or for every event when event is AnyEvent.
//
// Postcondition: Calling the returned func removes the subscription; it is idempotent.
func (b *Bus) Subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]Handler)
	}
	b.subs[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[event], id)
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
		})
	}
}

// Publish invokes every handler subscribed to env.Event and to AnyEvent.
// Handlers run synchronously on the caller's goroutine.
//
// Postcondition: Returns the number of handlers invoked.
func (b *Bus) Publish(env Envelope) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[env.Event])+len(b.subs[AnyEvent]))
	for _, h := range b.subs[env.Event] {
		handlers = append(handlers, h)
	}
	if env.Event != AnyEvent {
		for _, h := range b.subs[AnyEvent] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return len(handlers)
}
