// Package transport carries envelopes between the dispatch layer and remote
// players. Hub is the connection table shared by the relay, lan and peer
// adapters; each adapter only moves bytes in and out of a Conn.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
)

// ErrNotConnected is returned by SendTo for a player without a live connection.
var ErrNotConnected = errors.New("transport: player not connected")

// ErrPlayerIDInUse is returned to a connection claiming the id of a player that
// is connected elsewhere without presenting that player's session.
var ErrPlayerIDInUse = errors.New("transport: player id bound to another connection")

// Handler receives an inbound envelope from c.
type Handler func(ctx context.Context, c *Conn, env protocol.Envelope)

// DisconnectHandler is notified once a connection bound to a player is gone.
type DisconnectHandler func(ctx context.Context, c *Conn)

// Transport is the surface the dispatch layer programs against, whatever the
// connection mode.
type Transport interface {
	SendTo(ctx context.Context, playerID string, env protocol.Envelope) error
	Broadcast(ctx context.Context, roomID string, env protocol.Envelope) error
	OnEnvelope(h Handler)
	OnDisconnect(h DisconnectHandler)
}

// RoomReader is the read-only registry view Broadcast needs.
type RoomReader interface {
	GetRoom(ctx context.Context, id string) (*registry.Room, error)
}

// Conn is one live connection. It starts keyed by a temporary id and is
// re-keyed to the player id carried by its first identified envelope.
type Conn struct {
	id      string
	remote  string
	out     *Outbox
	closeFn func() error

	mu       sync.RWMutex
	playerID string
	session  string

	closeOnce sync.Once
	closeErr  error
}

// ID returns the connection id assigned at attach time. It never changes.
func (c *Conn) ID() string { return c.id }

// Remote describes the remote endpoint for logs.
func (c *Conn) Remote() string { return c.remote }

// PlayerID returns the bound player id, or "" before the first identified envelope.
func (c *Conn) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// Session returns the session token of the bound player, or "" when unbound.
func (c *Conn) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Conn) bind(id, session string) {
	c.mu.Lock()
	c.playerID = id
	c.session = session
	c.mu.Unlock()
}

// Key returns the player id when bound and the connection id otherwise.
func (c *Conn) Key() string {
	if id := c.PlayerID(); id != "" {
		return id
	}
	return c.id
}

// Outbox returns the connection's outbound queue.
func (c *Conn) Outbox() *Outbox { return c.out }

// Send queues env for this connection. Responses carry the session of the
// bound player.
func (c *Conn) Send(env protocol.Envelope) error {
	if env.Type == protocol.KindResponse && env.Session == "" {
		env.Session = c.Session()
	}
	return c.out.Push(env)
}

// Close closes the outbox and the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.out.Close()
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}
