package transport

import (
	"context"
	"time"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// LocalCallTimeout bounds a call from the hosting device's own player.
const LocalCallTimeout = 10 * time.Second

// Local attaches the hosting device's own player to its Hub. Requests are
// dispatched in-process and everything queued for the player is delivered to
// the embedded Caller, so the host plays through the same code as remote players.
type Local struct {
	*Caller
	hub  *Hub
	conn *Conn
	done chan struct{}
}

// NewLocal attaches a local player. playerID may be empty until the player
// creates or joins a room.
//
// Postcondition: Delivery runs until Close or ctx ends.
func NewLocal(ctx context.Context, hub *Hub, playerID string) *Local {
	conn := hub.Attach("local", nil)
	if playerID != "" {
		hub.Rekey(conn, playerID)
	}
	l := &Local{hub: hub, conn: conn, done: make(chan struct{})}
	l.Caller = NewCaller(func(ctx context.Context, env protocol.Envelope) error {
		hub.Dispatch(ctx, conn, env)
		return nil
	}, protocol.SingleAttempt(LocalCallTimeout))
	l.SetPlayerID(playerID)

	go func() {
		defer close(l.done)
		_ = hub.Pump(ctx, conn, func(env protocol.Envelope) error {
			l.Deliver(env)
			return nil
		})
	}()
	return l
}

// Conn returns the hub connection of the local player.
func (l *Local) Conn() *Conn { return l.conn }

// Close cancels pending calls and detaches the local player.
func (l *Local) Close(ctx context.Context) {
	l.Caller.Close()
	l.hub.Detach(ctx, l.conn)
	<-l.done
}
