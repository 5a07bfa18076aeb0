// Package gameserver answers room and game requests arriving on any transport
// and turns disconnects into registry departures.
package gameserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/game"
	"github.com/cory-johannsen/flyingchess/internal/game/board"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/observability"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

var (
	// ErrUnknownEvent is returned for an event name with no handler.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrNotIdentified is returned when a request needs a player id the connection does not have.
	ErrNotIdentified = errors.New("player not identified")
	// ErrAlreadyInRoom is returned when creating or joining while seated elsewhere.
	ErrAlreadyInRoom = errors.New("player already in a room")
	// ErrSignalingDisabled is returned for peer:signal when this server does not relay signals.
	ErrSignalingDisabled = errors.New("signaling not available")
)

// DefaultGameType is used when room:create names none.
const DefaultGameType = "flyingchess"

// ClosedHostLeft is the room:closed reason when a host-owned room dissolves.
const ClosedHostLeft = "host_left"

// ClosedExpired is the room:closed reason when the sweeper removes an idle room.
const ClosedExpired = "expired"

// Options tunes a Service.
type Options struct {
	// MaxPlayers is the capacity used when room:create names none.
	MaxPlayers int
	// RelaySignals enables forwarding of peer:signal envelopes.
	RelaySignals bool
	// ReplayCapacity bounds the per-server replay cache.
	ReplayCapacity int
}

// Service handles room:*, game:* and peer:signal envelopes for one hub.
type Service struct {
	reg     registry.Registry
	engine  *game.Engine
	hub     *transport.Hub
	board   *board.Board
	opts    Options
	replay  *protocol.ReplayCache
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a Service and binds it to hub.
//
// Precondition: reg, engine, hub, b and logger must be non-nil; metrics may be nil.
func NewService(reg registry.Registry, engine *game.Engine, hub *transport.Hub, b *board.Board, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if opts.MaxPlayers < registry.MinPlayers || opts.MaxPlayers > registry.MaxPlayers {
		opts.MaxPlayers = registry.MaxPlayers
	}
	s := &Service{
		reg:     reg,
		engine:  engine,
		hub:     hub,
		board:   b,
		opts:    opts,
		replay:  protocol.NewReplayCache(opts.ReplayCapacity),
		logger:  logger,
		metrics: metrics,
	}
	hub.OnEnvelope(s.HandleEnvelope)
	hub.OnDisconnect(s.HandleDisconnect)
	return s
}

// HandleEnvelope answers one inbound envelope. Requests carrying a RequestID
// get exactly one response; a retried RequestID is answered from the replay cache.
func (s *Service) HandleEnvelope(ctx context.Context, c *transport.Conn, env protocol.Envelope) {
	if env.Type != protocol.KindEvent {
		s.logger.Debug("ignoring non-event envelope",
			zap.String("conn", c.Key()),
			zap.String("type", string(env.Type)),
		)
		return
	}
	if resp, ok := s.replay.Lookup(c.ID(), env.RequestID); ok {
		s.logger.Debug("replaying response", zap.String("conn", c.Key()), zap.String("request_id", env.RequestID))
		s.reply(c, resp)
		return
	}

	data, err := s.dispatch(ctx, c, env)
	if err != nil {
		s.logger.Debug("request rejected",
			zap.String("player", c.PlayerID()),
			zap.String("event", env.Event),
			zap.Error(err),
		)
	}
	if env.RequestID == "" {
		return
	}
	resp := protocol.NewResponse(env, data, err)
	if id := c.PlayerID(); id != "" {
		resp.PlayerID = protocol.PlayerID(id)
	}
	s.replay.Store(c.ID(), env.RequestID, resp)
	s.reply(c, resp)
}

func (s *Service) reply(c *transport.Conn, resp protocol.Envelope) {
	if err := c.Send(resp); err != nil {
		s.logger.Warn("sending response",
			zap.String("conn", c.Key()),
			zap.String("event", resp.Event),
			zap.Error(err),
		)
	}
}

func (s *Service) dispatch(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	switch env.Event {
	case protocol.EventRoomCreate:
		return s.handleCreate(ctx, c, env)
	case protocol.EventRoomJoin:
		return s.handleJoin(ctx, c, env)
	case protocol.EventRoomLeave:
		return s.handleLeave(ctx, c, env)
	case protocol.EventRoomList:
		return s.handleList(ctx)
	case protocol.EventGameStart:
		return s.handleStart(ctx, c, env)
	case protocol.EventGameAction:
		return s.handleAction(ctx, c, env)
	case protocol.EventPeerSignal:
		return nil, s.handleSignal(ctx, c, env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// TaskSetRef is a room:create task set given either by name or inline.
type TaskSetRef struct {
	Name   string
	Inline *registry.TaskSet
}

// UnmarshalJSON accepts a JSON string naming a configured pool or a pool object.
func (t *TaskSetRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = TaskSetRef{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Name)
	}
	var ts registry.TaskSet
	if err := json.Unmarshal(b, &ts); err != nil {
		return fmt.Errorf("taskSet must be a name or an object: %w", err)
	}
	t.Inline = &ts
	return nil
}

// MarshalJSON writes the inline pool, the pool name, or null.
func (t TaskSetRef) MarshalJSON() ([]byte, error) {
	switch {
	case t.Inline != nil:
		return json.Marshal(t.Inline)
	case t.Name != "":
		return json.Marshal(t.Name)
	}
	return []byte("null"), nil
}

// CreateRequest is the room:create payload.
type CreateRequest struct {
	RoomName   string     `json:"roomName"`
	PlayerName string     `json:"playerName"`
	MaxPlayers int        `json:"maxPlayers"`
	GameType   string     `json:"gameType"`
	TaskSet    TaskSetRef `json:"taskSet"`
	AvatarID   string     `json:"avatarId"`
	Gender     string     `json:"gender"`
	Color      string     `json:"color"`
}

// JoinRequest is the room:join payload.
type JoinRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
	AvatarID   string `json:"avatarId"`
	Gender     string `json:"gender"`
	Color      string `json:"color"`
}

// RoomRequest is the payload of room:leave and game:start.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// ListResponse is the room:list response payload.
type ListResponse struct {
	Rooms []*registry.Room `json:"rooms"`
}

// ClosedPayload is the room:closed payload.
type ClosedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// identify returns the connection's player id, assigning a fresh one when unbound.
func (s *Service) identify(c *transport.Conn) string {
	if id := c.PlayerID(); id != "" {
		return id
	}
	id := uuid.NewString()
	s.hub.Rekey(c, id)
	return id
}

func (s *Service) seatedElsewhere(ctx context.Context, playerID string) error {
	p, err := s.reg.GetPlayer(ctx, playerID)
	if errors.Is(err, registry.ErrPlayerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.RoomID != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, p.RoomID)
	}
	return nil
}

func (s *Service) handleCreate(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	var req CreateRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PlayerName) == "" {
		return nil, errors.New("playerName is required")
	}
	playerID := s.identify(c)
	if err := s.seatedElsewhere(ctx, playerID); err != nil {
		return nil, err
	}

	maxPlayers := req.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = s.opts.MaxPlayers
	}
	gameType := req.GameType
	if gameType == "" {
		gameType = DefaultGameType
	}
	taskSet := req.TaskSet.Inline
	if taskSet == nil {
		taskSet = s.board.TaskSet(req.TaskSet.Name)
	}

	room, err := s.reg.CreateRoom(ctx, registry.Room{
		Name:       strings.TrimSpace(req.RoomName),
		MaxPlayers: maxPlayers,
		GameType:   gameType,
		BoardPath:  s.board.Path(),
		TaskSet:    taskSet,
		Players: []registry.Player{{
			ID:     playerID,
			Name:   req.PlayerName,
			Avatar: req.AvatarID,
			Gender: req.Gender,
			Color:  req.Color,
			ConnID: c.ID(),
		}},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("room created",
		zap.String("room", room.ID),
		zap.String("host", playerID),
		zap.Int("max_players", room.MaxPlayers),
	)
	s.roomsChanged(ctx)
	if err := s.engine.Announce(ctx, room.ID); err != nil {
		s.logger.Debug("room gone before announcement", zap.String("room", room.ID), zap.Error(err))
	}
	return room, nil
}

func (s *Service) handleJoin(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	var req JoinRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	roomID := normalizeRoomID(req.RoomID)
	if roomID == "" {
		return nil, errors.New("roomId is required")
	}
	if strings.TrimSpace(req.PlayerName) == "" {
		return nil, errors.New("playerName is required")
	}
	playerID := s.identify(c)
	if err := s.seatedElsewhere(ctx, playerID); err != nil {
		return nil, err
	}

	room, err := s.engine.PlayerJoined(ctx, roomID, registry.Player{
		ID:     playerID,
		Name:   req.PlayerName,
		Avatar: req.AvatarID,
		Gender: req.Gender,
		Color:  req.Color,
		ConnID: c.ID(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("player joined room",
		zap.String("room", room.ID),
		zap.String("player", playerID),
		zap.Int("players", len(room.Players)),
	)
	return room, nil
}

func (s *Service) handleLeave(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	playerID := c.PlayerID()
	if playerID == "" {
		return nil, ErrNotIdentified
	}
	var req RoomRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	roomID := normalizeRoomID(req.RoomID)
	if err := s.leave(ctx, roomID, playerID); err != nil {
		return nil, err
	}
	return RoomRequest{RoomID: roomID}, nil
}

func (s *Service) handleList(ctx context.Context) (any, error) {
	rooms, err := s.reg.GetAllRooms(ctx)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []*registry.Room{}
	}
	return ListResponse{Rooms: rooms}, nil
}

func (s *Service) handleStart(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	playerID := c.PlayerID()
	if playerID == "" {
		return nil, ErrNotIdentified
	}
	var req RoomRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	room, err := s.engine.Start(ctx, normalizeRoomID(req.RoomID), playerID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("game started", zap.String("room", room.ID), zap.Int("players", len(room.Players)))
	return room, nil
}

func (s *Service) handleAction(ctx context.Context, c *transport.Conn, env protocol.Envelope) (any, error) {
	playerID := c.PlayerID()
	if playerID == "" {
		return nil, ErrNotIdentified
	}
	roomID, action, err := game.ParseAction(env.Data)
	if err != nil {
		return nil, err
	}
	room, err := s.engine.HandleAction(ctx, normalizeRoomID(roomID), playerID, action)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// handleSignal forwards a negotiation signal to the player it names. The
// sender is always the connection's own player.
func (s *Service) handleSignal(ctx context.Context, c *transport.Conn, env protocol.Envelope) error {
	if !s.opts.RelaySignals {
		return ErrSignalingDisabled
	}
	playerID := c.PlayerID()
	if playerID == "" {
		return ErrNotIdentified
	}
	var sig negotiation.Signal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	if sig.To == "" {
		return errors.New("signal requires to")
	}
	sig.From = playerID
	out, err := protocol.NewBroadcast(protocol.EventPeerSignal, sig)
	if err != nil {
		return err
	}
	if err := s.hub.SendTo(ctx, sig.To, out); err != nil {
		return fmt.Errorf("forwarding signal to %s: %w", sig.To, err)
	}
	return nil
}

// HandleDisconnect removes a departed player from the room it was seated in.
func (s *Service) HandleDisconnect(ctx context.Context, c *transport.Conn) {
	s.replay.Forget(c.ID())
	playerID := c.PlayerID()
	if playerID == "" {
		return
	}
	p, err := s.reg.GetPlayer(ctx, playerID)
	if err != nil {
		if !errors.Is(err, registry.ErrPlayerNotFound) {
			s.logger.Warn("reading disconnected player", zap.String("player", playerID), zap.Error(err))
		}
		return
	}
	if p.RoomID == "" {
		return
	}
	if err := s.leave(ctx, p.RoomID, playerID); err != nil && !errors.Is(err, registry.ErrRoomNotFound) {
		s.logger.Warn("removing disconnected player",
			zap.String("player", playerID),
			zap.String("room", p.RoomID),
			zap.Error(err),
		)
	}
}

// leave removes playerID from roomID through the engine, which repairs and
// announces a surviving room. Members of a dissolved room receive room:closed.
func (s *Service) leave(ctx context.Context, roomID, playerID string) error {
	res, err := s.engine.PlayerLeft(ctx, roomID, playerID)
	if err != nil {
		return err
	}
	s.logger.Info("player left room",
		zap.String("room", roomID),
		zap.String("player", playerID),
		zap.Bool("room_deleted", res.RoomDeleted),
		zap.String("new_host", res.NewHostID),
	)
	if res.RoomDeleted {
		s.roomsChanged(ctx)
		s.notifyClosed(ctx, roomID, ClosedHostLeft, res.Evicted)
	}
	return nil
}

func (s *Service) notifyClosed(ctx context.Context, roomID, reason string, players []string) {
	if len(players) == 0 {
		return
	}
	env, err := protocol.NewBroadcast(protocol.EventRoomClosed, ClosedPayload{RoomID: roomID, Reason: reason})
	if err != nil {
		s.logger.Error("encoding room:closed", zap.Error(err))
		return
	}
	for _, id := range players {
		if err := s.hub.SendTo(ctx, id, env); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			s.logger.Warn("sending room:closed", zap.String("player", id), zap.Error(err))
		}
	}
}

// RoomsExpired tells the members of rooms removed by the registry sweeper that
// their room is gone.
func (s *Service) RoomsExpired(ctx context.Context, res registry.SweepResult) {
	s.roomsChanged(ctx)
	for _, id := range res.Rooms {
		s.logger.Info("room expired", zap.String("room", id), zap.Strings("members", res.Members[id]))
		s.notifyClosed(ctx, id, ClosedExpired, res.Members[id])
	}
}

func (s *Service) roomsChanged(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	rooms, err := s.reg.GetAllRooms(ctx)
	if err != nil {
		return
	}
	s.metrics.SetRooms(len(rooms))
}

func normalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
