// Package game drives turn-based games over the room registry. The Engine
// serializes each room's mutation and the broadcasts it produces; Rules
// implementations such as FlyingChess decide what an action does.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
)

// Broadcaster delivers an envelope to every connected member of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, env protocol.Envelope) error
}

// Engine applies game hooks inside registry.UpdateRoom and emits the resulting
// events afterwards. Emission for one room happens under that room's lock, so
// envelopes leave in mutation order.
type Engine struct {
	reg    registry.Registry
	out    Broadcaster
	rules  Rules
	logger *zap.Logger
	now    func() time.Time
	locks  roomLocks
}

// NewEngine creates an Engine.
//
// Precondition: reg, out, rules and logger must be non-nil.
func NewEngine(reg registry.Registry, out Broadcaster, rules Rules, logger *zap.Logger) *Engine {
	return &Engine{
		reg:    reg,
		out:    out,
		rules:  rules,
		logger: logger,
		now:    time.Now,
		locks:  roomLocks{locks: make(map[string]*roomLock)},
	}
}

// Start begins the game in roomID on behalf of requesterID.
//
// Postcondition: On success the committed room is returned and room:update and
// game:next have been broadcast.
func (e *Engine) Start(ctx context.Context, roomID, requesterID string) (*registry.Room, error) {
	return e.apply(ctx, roomID, func(r *registry.Room) ([]Event, error) {
		return e.rules.OnStart(r, requesterID, e.now())
	})
}

// HandleAction applies a player action.
//
// Postcondition: A rejected action leaves the room unchanged and broadcasts nothing.
func (e *Engine) HandleAction(ctx context.Context, roomID, playerID string, a Action) (*registry.Room, error) {
	return e.apply(ctx, roomID, func(r *registry.Room) ([]Event, error) {
		return e.rules.OnAction(r, playerID, a, e.now())
	})
}

// PlayerLeft removes playerID from roomID and repairs the game in progress.
//
// Postcondition: res.Room reflects the repaired room when it survives.
func (e *Engine) PlayerLeft(ctx context.Context, roomID, playerID string) (registry.RemoveResult, error) {
	unlock := e.locks.lock(roomID)
	defer unlock()

	res, err := e.reg.RemovePlayerFromRoom(ctx, roomID, playerID)
	if err != nil {
		return res, err
	}
	if res.RoomDeleted {
		return res, nil
	}

	var events []Event
	room, err := e.reg.UpdateRoom(ctx, roomID, func(r *registry.Room) error {
		events = e.rules.OnPlayerLeft(r, res, e.now())
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("repairing room %s after %s left: %w", roomID, playerID, err)
	}
	res.Room = room
	e.emit(ctx, room, events)
	return res, nil
}

// PlayerJoined seats p in roomID and broadcasts the new roster.
//
// Postcondition: The room:update leaves before any event of a later mutation of the room.
func (e *Engine) PlayerJoined(ctx context.Context, roomID string, p registry.Player) (*registry.Room, error) {
	unlock := e.locks.lock(roomID)
	defer unlock()

	room, err := e.reg.AddPlayerToRoom(ctx, roomID, p)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, room, []Event{{Name: protocol.EventRoomUpdate}})
	return room, nil
}

// Announce broadcasts the current state of roomID as a room:update. The room is
// read under its lock, so the snapshot is never older than one already sent.
func (e *Engine) Announce(ctx context.Context, roomID string) error {
	unlock := e.locks.lock(roomID)
	defer unlock()

	room, err := e.reg.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	e.emit(ctx, room, []Event{{Name: protocol.EventRoomUpdate}})
	return nil
}

func (e *Engine) apply(ctx context.Context, roomID string, hook func(*registry.Room) ([]Event, error)) (*registry.Room, error) {
	unlock := e.locks.lock(roomID)
	defer unlock()

	var events []Event
	room, err := e.reg.UpdateRoom(ctx, roomID, func(r *registry.Room) error {
		var herr error
		events, herr = hook(r)
		return herr
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, room, events)
	return room, nil
}

// emit broadcasts events in order. Delivery failures are logged; the room has
// already committed.
func (e *Engine) emit(ctx context.Context, room *registry.Room, events []Event) {
	for _, ev := range events {
		data := ev.Data
		if ev.Name == protocol.EventRoomUpdate && data == nil {
			data = room
		}
		env, err := protocol.NewBroadcast(ev.Name, data)
		if err != nil {
			e.logger.Error("encoding game event", zap.String("event", ev.Name), zap.Error(err))
			continue
		}
		if err := e.out.Broadcast(ctx, room.ID, env); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("broadcasting game event",
				zap.String("room", room.ID),
				zap.String("event", ev.Name),
				zap.Error(err),
			)
		}
	}
}

// roomLocks hands out one mutex per room id, dropping it once unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func (l *roomLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &roomLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
