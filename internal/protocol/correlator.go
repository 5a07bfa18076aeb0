package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRequestTimeout is returned by Call when every attempt went unanswered.
	ErrRequestTimeout = errors.New("protocol: request timed out")
	// ErrCancelled is returned to a waiter whose pending request was cancelled.
	ErrCancelled = errors.New("protocol: request cancelled")
	// ErrCorrelatorClosed is returned when registering on a closed Correlator.
	ErrCorrelatorClosed = errors.New("protocol: correlator closed")
)

// Correlator matches response envelopes to pending requests by RequestID.
// All methods are safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool
}

// NewCorrelator returns an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan Envelope)}
}

// Register allocates a fresh request id and its pending future.
//
// Postcondition: The returned channel receives exactly one matching response,
// or is closed on Cancel/CancelAll.
func (c *Correlator) Register() (string, <-chan Envelope, error) {
	id := uuid.NewString()
	ch, err := c.register(id)
	if err != nil {
		return "", nil, err
	}
	return id, ch, nil
}

func (c *Correlator) register(id string) (<-chan Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCorrelatorClosed
	}
	ch := make(chan Envelope, 1)
	c.pending[id] = ch
	return ch, nil
}

// Resolve delivers a response envelope to its waiter.
//
// Postcondition: Returns false and does nothing when no request is pending for env.RequestID.
func (c *Correlator) Resolve(env Envelope) bool {
	if env.Type != KindResponse || env.RequestID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Cancel abandons a single pending request.
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[id]; ok {
		delete(c.pending, id)
		close(ch)
	}
}

// CancelAll abandons every pending request. The Correlator stays usable.
//
// Postcondition: Pending() == 0.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Close cancels every pending request and rejects further registrations.
func (c *Correlator) Close() {
	c.CancelAll()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sender writes an envelope to the remote side of a connection.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// RetryPolicy bounds the attempts made by Call. The first attempt waits
// FirstTimeout and each of the MaxRetries retries waits RetryTimeout.
type RetryPolicy struct {
	FirstTimeout time.Duration
	RetryTimeout time.Duration
	MaxRetries   int
}

// DefaultRetryPolicy is used for calls over a negotiated peer channel.
var DefaultRetryPolicy = RetryPolicy{
	FirstTimeout: 10 * time.Second,
	RetryTimeout: 5 * time.Second,
	MaxRetries:   3,
}

// SingleAttempt returns a policy with one attempt and no retries.
func SingleAttempt(timeout time.Duration) RetryPolicy {
	return RetryPolicy{FirstTimeout: timeout, RetryTimeout: timeout}
}

func (p RetryPolicy) timeout(attempt int) time.Duration {
	if attempt == 0 || p.RetryTimeout <= 0 {
		return p.FirstTimeout
	}
	return p.RetryTimeout
}

// Call sends req as an event and waits for the matching response.
// Retries resend the same envelope with the same RequestID so the receiver can
// deduplicate them.
//
// Precondition: req.Event must be non-empty; s and c must be non-nil.
// Postcondition: Returns the response envelope; a response carrying an error is
// returned together with a *RemoteError. Returns ErrRequestTimeout after
// 1+MaxRetries unanswered attempts, ctx.Err() on cancellation, or ErrCancelled.
func Call(ctx context.Context, s Sender, c *Correlator, policy RetryPolicy, req Envelope) (Envelope, error) {
	id, ch, err := c.Register()
	if err != nil {
		return Envelope{}, err
	}
	req.Type = KindEvent
	req.RequestID = id

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := s.Send(ctx, req); err != nil {
			c.Cancel(id)
			return Envelope{}, fmt.Errorf("sending %s: %w", req.Event, err)
		}

		timer := time.NewTimer(policy.timeout(attempt))
		select {
		case resp, ok := <-ch:
			timer.Stop()
			if !ok {
				return Envelope{}, ErrCancelled
			}
			if resp.Error != "" {
				return resp, &RemoteError{Event: req.Event, Message: resp.Error}
			}
			return resp, nil
		case <-ctx.Done():
			timer.Stop()
			c.Cancel(id)
			return Envelope{}, ctx.Err()
		case <-timer.C:
		}
	}

	c.Cancel(id)
	return Envelope{}, fmt.Errorf("%s after %d attempts: %w", req.Event, policy.MaxRetries+1, ErrRequestTimeout)
}
