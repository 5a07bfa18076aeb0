package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

// ErrNegotiationFailed is returned by Dial when the session ends before the
// data channel opens.
var ErrNegotiationFailed = errors.New("peer: negotiation failed")

// RetryPolicy builds the call policy for a peer channel, filling unset fields
// from protocol.DefaultRetryPolicy.
func RetryPolicy(cfg config.PeerConfig) protocol.RetryPolicy {
	p := protocol.DefaultRetryPolicy
	if cfg.FirstTimeout > 0 {
		p.FirstTimeout = cfg.FirstTimeout
	}
	if cfg.RetryTimeout > 0 {
		p.RetryTimeout = cfg.RetryTimeout
	}
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	return p
}

// Client is a guest's data channel to the host device.
type Client struct {
	*transport.Caller
	sess   *negotiation.Session
	logger *zap.Logger
	unsub  func()

	mu     sync.Mutex
	closed bool
}

// Dial offers a data channel to the host player hostID as localID and waits
// for it to open.
//
// Precondition: localID and hostID must be non-empty; path, factory and logger non-nil.
// Postcondition: Returns an open Client. Returns an error wrapping
// negotiation.ErrCapabilityUnavailable when the runtime cannot create peer
// connections, ErrNegotiationFailed, or ctx.Err() when cfg.ConnectTimeout elapses.
func Dial(ctx context.Context, localID, hostID string, path SignalPath, factory negotiation.Factory, cfg config.PeerConfig, logger *zap.Logger) (*Client, error) {
	sess, err := negotiation.NewSession(localID, hostID, factory, path, logger)
	if err != nil {
		return nil, fmt.Errorf("negotiating with %s: %w", hostID, err)
	}

	c := &Client{sess: sess, logger: logger}
	c.Caller = transport.NewCaller(c.write, RetryPolicy(cfg))
	c.SetPlayerID(localID)
	sess.OnMessage(func(msg []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			logger.Warn("dropping peer frame", zap.Error(err))
			return
		}
		c.Deliver(env)
	})
	sess.OnStateChange(func(s negotiation.State) {
		if s.Terminal() {
			c.Caller.Cancel()
		}
	})
	c.unsub = path.OnSignal(func(ctx context.Context, sig negotiation.Signal) {
		if sig.From != hostID || sig.To != localID {
			return
		}
		if err := sess.HandleSignal(ctx, sig); err != nil {
			logger.Warn("applying signal", zap.String("remote", hostID), zap.Error(err))
		}
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sess.Offer(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("negotiating with %s: %w", hostID, err)
	}
	select {
	case <-sess.Opened():
		return c, nil
	case <-sess.Done():
		_ = c.Close()
		return nil, fmt.Errorf("negotiating with %s: %w", hostID, ErrNegotiationFailed)
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("negotiating with %s: %w", hostID, ctx.Err())
	}
}

func (c *Client) write(_ context.Context, env protocol.Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.sess.Send(msg)
}

// State returns the negotiation state of the channel.
func (c *Client) State() negotiation.State { return c.sess.State() }

// Done is closed once the channel is gone.
func (c *Client) Done() <-chan struct{} { return c.sess.Done() }

// Close cancels pending calls and closes the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Caller.Close()
	c.unsub()
	return c.sess.Close()
}

// Err returns nil while the channel is open and ErrNegotiationFailed once it
// has failed.
func (c *Client) Err() error {
	if c.sess.State() == negotiation.StateFailed {
		return ErrNegotiationFailed
	}
	return nil
}
