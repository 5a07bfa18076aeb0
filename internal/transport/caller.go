package transport

import (
	"context"
	"sync"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// SendFunc writes one envelope to the remote side of a client connection.
type SendFunc func(ctx context.Context, env protocol.Envelope) error

// Caller is the client half of a connection: it stamps the local player id on
// outbound envelopes, correlates responses and fans broadcasts out to
// subscribers. Every client adapter wraps one.
type Caller struct {
	send   SendFunc
	corr   *protocol.Correlator
	bus    *protocol.Bus
	policy protocol.RetryPolicy

	mu       sync.RWMutex
	playerID string
	session  string
}

// NewCaller creates a Caller writing through send.
//
// Precondition: send must be non-nil.
func NewCaller(send SendFunc, policy protocol.RetryPolicy) *Caller {
	return &Caller{
		send:   send,
		corr:   protocol.NewCorrelator(),
		bus:    protocol.NewBus(),
		policy: policy,
	}
}

// PlayerID returns the id stamped on outbound envelopes.
func (c *Caller) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// SetPlayerID sets the id stamped on outbound envelopes.
func (c *Caller) SetPlayerID(id string) {
	c.mu.Lock()
	c.playerID = id
	c.mu.Unlock()
}

// Session returns the session token the host issued for the local player.
// A new connection presents it to take over the player's id.
func (c *Caller) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession sets the session token stamped on outbound envelopes.
func (c *Caller) SetSession(token string) {
	c.mu.Lock()
	c.session = token
	c.mu.Unlock()
}

// Send writes env as is apart from the player id and session. No response is awaited.
func (c *Caller) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.RLock()
	if env.PlayerID == "" {
		env.PlayerID = protocol.PlayerID(c.playerID)
	}
	if env.Session == "" {
		env.Session = c.session
	}
	c.mu.RUnlock()
	return c.send(ctx, env)
}

// Call sends event with data and waits for the response under the retry policy.
//
// Postcondition: A validation error reported by the remote side is returned as a *protocol.RemoteError.
func (c *Caller) Call(ctx context.Context, event string, data any) (protocol.Envelope, error) {
	req, err := protocol.NewEvent(event, data)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Call(ctx, c, c.corr, c.policy, req)
}

// Notify sends a fire-and-forget event.
func (c *Caller) Notify(ctx context.Context, event string, data any) error {
	req, err := protocol.NewEvent(event, data)
	if err != nil {
		return err
	}
	return c.Send(ctx, req)
}

// Subscribe registers h for broadcasts named event, or every broadcast for protocol.AnyEvent.
func (c *Caller) Subscribe(event string, h protocol.Handler) func() {
	return c.bus.Subscribe(event, h)
}

// Deliver routes an envelope read from the connection. The first response
// naming a player assigns the local player id; successful responses refresh
// the session.
func (c *Caller) Deliver(env protocol.Envelope) {
	switch env.Type {
	case protocol.KindResponse:
		if env.PlayerID != "" && env.Error == "" {
			c.mu.Lock()
			if c.playerID == "" {
				c.playerID = env.PlayerID.String()
			}
			if env.Session != "" && env.PlayerID.String() == c.playerID {
				c.session = env.Session
			}
			c.mu.Unlock()
		}
		c.corr.Resolve(env)
	default:
		c.bus.Publish(env)
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Caller) Pending() int { return c.corr.Pending() }

// Cancel fails every pending call with protocol.ErrCancelled.
func (c *Caller) Cancel() { c.corr.CancelAll() }

// Close cancels pending calls and rejects new ones.
func (c *Caller) Close() { c.corr.Close() }
