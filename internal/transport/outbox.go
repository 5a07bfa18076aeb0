package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

var (
	// ErrOutboxFull is returned when a connection is not draining its queue.
	ErrOutboxFull = errors.New("transport: outbox full")
	// ErrOutboxClosed is returned after the connection has gone away.
	ErrOutboxClosed = errors.New("transport: outbox closed")
)

// DefaultOutboxSize is used when a non-positive queue length is configured.
const DefaultOutboxSize = 64

// Outbox is the bounded outbound queue of one connection. Exactly one writer
// goroutine drains Frames.
type Outbox struct {
	id     string
	frames chan protocol.Envelope
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the connection id.
//
// Postcondition: Returns an open Outbox holding at most size envelopes.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		frames: make(chan protocol.Envelope, size),
	}
}

// Push enqueues env without blocking.
//
// Postcondition: Returns ErrOutboxClosed after Close, or ErrOutboxFull when the queue is full.
func (o *Outbox) Push(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- env:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxFull)
	}
}

// Frames returns the queue drained by the connection's writer.
// The channel is closed by Close.
func (o *Outbox) Frames() <-chan protocol.Envelope {
	return o.frames
}

// Close closes the queue. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
