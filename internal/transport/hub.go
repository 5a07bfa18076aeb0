package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
)

// Hub tracks the live connections of one transport and routes envelopes to
// players and rooms. All methods are safe for concurrent use.
type Hub struct {
	name       string
	rooms      RoomReader
	outboxSize int
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu          sync.RWMutex
	conns       map[string]*Conn // conn id → conn
	players     map[string]*Conn  // player id → conn
	sessions    map[string]string // player id → session token
	handlers    []Handler
	disconnects []DisconnectHandler
}

var _ Transport = (*Hub)(nil)

// NewHub creates an empty Hub. name labels logs and metrics ("relay", "lan", "peer").
//
// Precondition: rooms and logger must be non-nil; metrics may be nil.
func NewHub(name string, rooms RoomReader, outboxSize int, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		name:       name,
		rooms:      rooms,
		outboxSize: outboxSize,
		logger:     logger.With(zap.String("transport", name)),
		metrics:    metrics,
		conns:      make(map[string]*Conn),
		players:    make(map[string]*Conn),
		sessions:   make(map[string]string),
	}
}

// Name returns the transport label.
func (h *Hub) Name() string { return h.name }

// OnEnvelope registers a handler for inbound envelopes.
func (h *Hub) OnEnvelope(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// OnDisconnect registers a handler for lost player connections.
func (h *Hub) OnDisconnect(fn DisconnectHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, fn)
}

// Attach registers a new connection under a temporary id. closeFn tears down
// the underlying socket and may be nil.
//
// Postcondition: The returned Conn is unbound and has an open outbox.
func (h *Hub) Attach(remote string, closeFn func() error) *Conn {
	id := "tmp-" + uuid.NewString()
	c := &Conn{
		id:      id,
		remote:  remote,
		out:     NewOutbox(id, h.outboxSize),
		closeFn: closeFn,
	}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()

	h.metrics.ConnectionOpened(h.name)
	h.logger.Debug("connection attached", zap.String("conn", id), zap.String("remote", remote))
	return c
}

// Rekey binds c to playerID. A previous connection of the same player is
// closed without firing disconnect handlers, since the player is still here.
//
// Precondition: playerID must be non-empty.
func (h *Hub) Rekey(c *Conn, playerID string) {
	_ = h.bind(c, playerID, "", false)
}

// bind maps playerID to c. With verify set, an id still bound to another
// connection is only taken over when session matches its token.
func (h *Hub) bind(c *Conn, playerID, session string, verify bool) error {
	h.mu.Lock()
	prev := h.players[playerID]
	token, ok := h.sessions[playerID]
	if verify && prev != nil && prev != c && (!ok || session != token) {
		h.mu.Unlock()
		return fmt.Errorf("player %s: %w", playerID, ErrPlayerIDInUse)
	}
	if !ok {
		token = uuid.NewString()
		h.sessions[playerID] = token
	}
	if old := c.PlayerID(); old != "" && old != playerID && h.players[old] == c {
		delete(h.players, old)
		delete(h.sessions, old)
	}
	h.players[playerID] = c
	c.bind(playerID, token)
	h.mu.Unlock()

	if prev != nil && prev != c {
		h.logger.Info("connection superseded",
			zap.String("player", playerID),
			zap.String("old_conn", prev.ID()),
			zap.String("new_conn", c.ID()),
		)
		_ = prev.Close()
	}
	return nil
}

// Dispatch validates env and hands it to the registered handlers.
// The first envelope naming a player binds an unbound connection to it, unless
// that player is connected elsewhere and env does not carry its session.
func (h *Hub) Dispatch(ctx context.Context, c *Conn, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		h.Reject(c, err)
		return
	}
	h.metrics.EnvelopeReceived(h.name, env.Event)
	if c.PlayerID() == "" && env.PlayerID != "" {
		if err := h.bind(c, env.PlayerID.String(), env.Session, true); err != nil {
			h.refuse(c, env, err)
			return
		}
	}

	h.mu.RLock()
	handlers := append([]Handler(nil), h.handlers...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, c, env)
	}
}

// Reject records an inbound frame from c that could not be dispatched.
func (h *Hub) Reject(c *Conn, err error) {
	h.metrics.FrameDropped(h.name)
	h.logger.Warn("dropping inbound frame", zap.String("conn", c.Key()), zap.Error(err))
}

// refuse drops env and answers it with err when a reply is expected.
func (h *Hub) refuse(c *Conn, env protocol.Envelope, err error) {
	h.metrics.FrameDropped(h.name)
	h.logger.Warn("refusing player id claim",
		zap.String("conn", c.ID()),
		zap.String("remote", c.Remote()),
		zap.Error(err),
	)
	if env.RequestID != "" {
		_ = c.Send(protocol.NewResponse(env, nil, err))
	}
}

// Detach removes c and closes it. Disconnect handlers fire only when c was
// still the player's current connection.
func (h *Hub) Detach(ctx context.Context, c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID())
	current := false
	if pid := c.PlayerID(); pid != "" && h.players[pid] == c {
		delete(h.players, pid)
		delete(h.sessions, pid)
		current = true
	}
	disconnects := append([]DisconnectHandler(nil), h.disconnects...)
	h.mu.Unlock()

	_ = c.Close()
	h.metrics.ConnectionClosed(h.name)
	h.logger.Debug("connection detached", zap.String("conn", c.ID()), zap.String("player", c.PlayerID()))

	if current {
		for _, fn := range disconnects {
			fn(ctx, c)
		}
	}
}

// Conn returns the live connection of playerID.
func (h *Hub) Conn(playerID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.players[playerID]
	return c, ok
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo queues env for playerID.
//
// Postcondition: Returns an error wrapping ErrNotConnected when the player has no connection.
func (h *Hub) SendTo(_ context.Context, playerID string, env protocol.Envelope) error {
	c, ok := h.Conn(playerID)
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, ErrNotConnected)
	}
	return c.Send(env)
}

// Broadcast queues env for every connected member of roomID. Members without
// a connection are skipped.
//
// Postcondition: Returns the joined per-member delivery errors, or nil.
func (h *Hub) Broadcast(ctx context.Context, roomID string, env protocol.Envelope) error {
	room, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("broadcasting %s: %w", env.Event, err)
	}
	var errs []error
	for _, id := range room.PlayerIDs() {
		c, ok := h.Conn(id)
		if !ok {
			continue
		}
		if err := c.Send(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pump drains c's outbox through write until the outbox closes, ctx ends or
// write fails.
func (h *Hub) Pump(ctx context.Context, c *Conn, write func(protocol.Envelope) error) error {
	for {
		select {
		case env, ok := <-c.Outbox().Frames():
			if !ok {
				return nil
			}
			if err := write(env); err != nil {
				return fmt.Errorf("writing to %s: %w", c.Key(), err)
			}
			h.metrics.EnvelopeSent(h.name, env.Event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseAll closes every connection without firing disconnect handlers, so
// registry membership survives a process restart.
func (h *Hub) CloseAll(context.Context) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.players = make(map[string]*Conn)
	h.sessions = make(map[string]string)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
		h.metrics.ConnectionClosed(h.name)
	}
}
