package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by KVStore.Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KVStore is the opaque key-value store behind a persistent registry.
type KVStore interface {
	// Get returns the value for key, or an error wrapping ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

const (
	roomPrefix   = "room:"
	playerPrefix = "player:"
)

// RoomKey returns the store key of a room.
func RoomKey(id string) string { return roomPrefix + id }

// PlayerKey returns the store key of a player.
func PlayerKey(id string) string { return playerPrefix + id }

// kvBackend stores rooms and players as JSON documents.
type kvBackend struct {
	kv KVStore
}

func (b *kvBackend) loadRoom(ctx context.Context, id string) (*Room, error) {
	raw, err := b.kv.Get(ctx, RoomKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrRoomNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading room %s: %w", id, err)
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding room %s: %w", id, err)
	}
	return &r, nil
}

func (b *kvBackend) saveRoom(ctx context.Context, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", r.ID, err)
	}
	return b.kv.Put(ctx, RoomKey(r.ID), raw)
}

func (b *kvBackend) deleteRoom(ctx context.Context, id string) error {
	return b.kv.Delete(ctx, RoomKey(id))
}

func (b *kvBackend) listRooms(ctx context.Context) ([]*Room, error) {
	entries, err := b.kv.List(ctx, roomPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	out := make([]*Room, 0, len(entries))
	for key, raw := range entries {
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (b *kvBackend) loadPlayer(ctx context.Context, id string) (*Player, error) {
	raw, err := b.kv.Get(ctx, PlayerKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrPlayerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading player %s: %w", id, err)
	}
	var p Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding player %s: %w", id, err)
	}
	return &p, nil
}

func (b *kvBackend) savePlayer(ctx context.Context, p *Player) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding player %s: %w", p.ID, err)
	}
	return b.kv.Put(ctx, PlayerKey(p.ID), raw)
}

func (b *kvBackend) deletePlayer(ctx context.Context, id string) error {
	return b.kv.Delete(ctx, PlayerKey(id))
}

func (b *kvBackend) listPlayers(ctx context.Context) ([]*Player, error) {
	entries, err := b.kv.List(ctx, playerPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	out := make([]*Player, 0, len(entries))
	for key, raw := range entries {
		var p Player
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// MemoryKV is a KVStore held in process memory.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string][]byte)}
}

// Get implements KVStore.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

// Put implements KVStore.
func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KVStore.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List implements KVStore.
func (m *MemoryKV) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
