package registry

import (
	"context"
	"fmt"
)

// memoryBackend keeps private copies of every room and player.
type memoryBackend struct {
	rooms   map[string]*Room
	players map[string]*Player
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		rooms:   make(map[string]*Room),
		players: make(map[string]*Player),
	}
}

func (m *memoryBackend) loadRoom(_ context.Context, id string) (*Room, error) {
	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, id)
	}
	return r.Clone(), nil
}

func (m *memoryBackend) saveRoom(_ context.Context, r *Room) error {
	m.rooms[r.ID] = r.Clone()
	return nil
}

func (m *memoryBackend) deleteRoom(_ context.Context, id string) error {
	delete(m.rooms, id)
	return nil
}

func (m *memoryBackend) listRooms(context.Context) ([]*Room, error) {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memoryBackend) loadPlayer(_ context.Context, id string) (*Player, error) {
	p, ok := m.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlayerNotFound, id)
	}
	c := p.Clone()
	return &c, nil
}

func (m *memoryBackend) savePlayer(_ context.Context, p *Player) error {
	c := p.Clone()
	m.players[p.ID] = &c
	return nil
}

func (m *memoryBackend) deletePlayer(_ context.Context, id string) error {
	delete(m.players, id)
	return nil
}

func (m *memoryBackend) listPlayers(context.Context) ([]*Player, error) {
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		c := p.Clone()
		out = append(out, &c)
	}
	return out, nil
}
