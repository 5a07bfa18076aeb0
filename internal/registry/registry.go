package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/flyingchess/internal/config"
)

var (
	// ErrRoomFull is returned when a room has no free seat.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomNotFound is returned for an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotFound is returned for an unknown player id.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrGameInProgress is returned when joining a room that is not waiting.
	ErrGameInProgress = errors.New("game already started")
	// ErrPlayerExists is returned when a player id is already a member.
	ErrPlayerExists = errors.New("player already in room")
	// ErrInvalidRoom is returned when a room fails validation.
	ErrInvalidRoom = errors.New("invalid room")
)

// Capacity bounds for a room.
const (
	MinPlayers = 2
	MaxPlayers = 4
)

// HostPolicy decides what happens to a room when its host leaves.
type HostPolicy int

const (
	// MigrateHost hands the host role to the first remaining player.
	MigrateHost HostPolicy = iota
	// DissolveRoom deletes the room; the host device is the room.
	DissolveRoom
)

// PolicyForMode returns the host policy for a deployment mode.
// The relay keeps rooms alive across host departures; lan and peer hosts own
// the room and take it with them.
func PolicyForMode(mode string) HostPolicy {
	if mode == config.ModeRelay {
		return MigrateHost
	}
	return DissolveRoom
}

// RemoveResult describes the outcome of RemovePlayerFromRoom.
type RemoveResult struct {
	// Room is the room after removal; nil when RoomDeleted.
	Room *Room
	// Removed is the departed member as it was in the room.
	Removed Player
	// Index is the departed member's former turn-order index.
	Index       int
	RoomDeleted bool
	// NewHostID is set when the host role migrated.
	NewHostID string
	// Evicted lists members removed because the room dissolved.
	Evicted []string
}

// SweepResult lists what Sweep deleted.
type SweepResult struct {
	Rooms   []string
	Players []string
	// Members maps each deleted room to the ids seated in it when it expired.
	Members map[string][]string
}

// Registry is the authoritative store of rooms and players.
//
// Every returned *Room and *Player is a private copy; mutate state only through
// the registry.
type Registry interface {
	CreateRoom(ctx context.Context, room Room) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	// UpdateRoom runs fn against a copy of the room under the write lock and
	// commits the copy only when fn returns nil.
	UpdateRoom(ctx context.Context, id string, fn func(*Room) error) (*Room, error)
	DeleteRoom(ctx context.Context, id string) error
	AddPlayerToRoom(ctx context.Context, roomID string, p Player) (*Room, error)
	RemovePlayerFromRoom(ctx context.Context, roomID, playerID string) (RemoveResult, error)
	GetAllRooms(ctx context.Context) ([]*Room, error)

	AddPlayer(ctx context.Context, p Player) error
	GetPlayer(ctx context.Context, id string) (*Player, error)
	UpdatePlayer(ctx context.Context, id string, fn func(*Player) error) (*Player, error)
	RemovePlayer(ctx context.Context, id string) error

	// Sweep deletes rooms and unattached players idle for longer than maxIdle.
	Sweep(ctx context.Context, now time.Time, maxIdle time.Duration) (SweepResult, error)
}

// backend persists rooms and players. Implementations need not be safe for
// concurrent use; Store serializes access.
type backend interface {
	loadRoom(ctx context.Context, id string) (*Room, error)
	saveRoom(ctx context.Context, r *Room) error
	deleteRoom(ctx context.Context, id string) error
	listRooms(ctx context.Context) ([]*Room, error)

	loadPlayer(ctx context.Context, id string) (*Player, error)
	savePlayer(ctx context.Context, p *Player) error
	deletePlayer(ctx context.Context, id string) error
	listPlayers(ctx context.Context) ([]*Player, error)
}

// Store implements Registry over a backend with a single writer lock.
type Store struct {
	mu      sync.RWMutex
	backend backend
	policy  HostPolicy
	now     func() time.Time
	newCode func() (string, error)
}

var _ Registry = (*Store)(nil)

// NewMemory returns a registry held in process memory.
func NewMemory(policy HostPolicy) *Store {
	return newStore(newMemoryBackend(), policy)
}

// NewPersistent returns a registry that stores every room and player in kv.
//
// Precondition: kv must be non-nil.
func NewPersistent(kv KVStore, policy HostPolicy) *Store {
	return newStore(&kvBackend{kv: kv}, policy)
}

func newStore(b backend, policy HostPolicy) *Store {
	return &Store{backend: b, policy: policy, now: time.Now, newCode: RoomCode}
}

// Policy returns the host policy.
func (s *Store) Policy() HostPolicy { return s.policy }

// CreateRoom stores a new room. An empty ID is replaced by a fresh room code.
// Members listed in room.Players are seated in order; the first becomes host
// unless HostID names another member.
//
// Precondition: room.MaxPlayers must be in [MinPlayers, MaxPlayers] and room.Name non-empty.
// Postcondition: The stored room has status waiting and every member at position 0.
func (s *Store) CreateRoom(ctx context.Context, room Room) (*Room, error) {
	if room.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidRoom)
	}
	if room.MaxPlayers < MinPlayers || room.MaxPlayers > MaxPlayers {
		return nil, fmt.Errorf("%w: maxPlayers must be %d-%d, got %d", ErrInvalidRoom, MinPlayers, MaxPlayers, room.MaxPlayers)
	}
	if len(room.Players) > room.MaxPlayers {
		return nil, fmt.Errorf("%w: %d players exceed maxPlayers %d", ErrRoomFull, len(room.Players), room.MaxPlayers)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if room.ID == "" {
		id, err := s.uniqueCode(ctx)
		if err != nil {
			return nil, err
		}
		room.ID = id
	} else if _, err := s.backend.loadRoom(ctx, room.ID); err == nil {
		return nil, fmt.Errorf("%w: room %q already exists", ErrInvalidRoom, room.ID)
	} else if !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}

	now := s.now()
	r := room.Clone()
	members := r.Players
	hostID := r.HostID
	r.Players = nil
	r.HostID = ""
	r.Status = StatusWaiting
	r.CreatedAt = now
	r.LastActivity = now
	r.CurrentUser = ""
	r.GameState = GameState{PlayerPositions: make(map[string]int), Phase: StatusWaiting}
	for _, p := range members {
		if _, idx := r.Player(p.ID); idx >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrPlayerExists, p.ID)
		}
		s.seat(r, p, now)
	}
	if hostID != "" {
		if p, _ := r.Player(hostID); p != nil {
			r.setHost(hostID)
		}
	}

	if err := s.backend.saveRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("saving room %s: %w", r.ID, err)
	}
	for i := range r.Players {
		if err := s.mirror(ctx, r.Players[i]); err != nil {
			return nil, err
		}
	}
	return r.Clone(), nil
}

// GetRoom returns a snapshot of a room.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.backend.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRoom applies fn to a copy of the room and commits it when fn succeeds.
//
// Postcondition: On error the stored room is unchanged.
func (s *Store) UpdateRoom(ctx context.Context, id string, fn func(*Room) error) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.backend.loadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	r.ID = id
	r.LastActivity = s.now()
	if err := s.backend.saveRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("saving room %s: %w", id, err)
	}
	return r.Clone(), nil
}

// DeleteRoom removes a room and detaches its members' player records.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.backend.loadRoom(ctx, id)
	if err != nil {
		return err
	}
	return s.dropRoom(ctx, r)
}

// AddPlayerToRoom seats p in a waiting room. The first member becomes host.
//
// Precondition: p.ID must be non-empty.
// Postcondition: p is at position 0 in both Player.Position and GameState.PlayerPositions,
// or an error wrapping ErrRoomFull, ErrGameInProgress or ErrPlayerExists is returned.
func (s *Store) AddPlayerToRoom(ctx context.Context, roomID string, p Player) (*Room, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: player id must not be empty", ErrInvalidRoom)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.backend.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusWaiting {
		return nil, fmt.Errorf("joining %s: %w", roomID, ErrGameInProgress)
	}
	if m, _ := r.Player(p.ID); m != nil {
		return nil, fmt.Errorf("joining %s: %w", roomID, ErrPlayerExists)
	}
	if r.Full() {
		return nil, fmt.Errorf("joining %s: %w", roomID, ErrRoomFull)
	}

	now := s.now()
	seated := s.seat(r, p, now)
	r.LastActivity = now
	if err := s.backend.saveRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("saving room %s: %w", roomID, err)
	}
	if err := s.mirror(ctx, seated); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// RemovePlayerFromRoom removes a member. An emptied room is deleted. When the
// host leaves, the host policy either migrates the role to the first remaining
// member or dissolves the room.
func (s *Store) RemovePlayerFromRoom(ctx context.Context, roomID, playerID string) (RemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.backend.loadRoom(ctx, roomID)
	if err != nil {
		return RemoveResult{}, err
	}
	p, idx := r.Player(playerID)
	if p == nil {
		return RemoveResult{}, fmt.Errorf("leaving %s: %w", roomID, ErrPlayerNotFound)
	}
	res := RemoveResult{Removed: p.Clone(), Index: idx}
	wasHost := r.HostID == playerID

	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	delete(r.GameState.PlayerPositions, playerID)
	r.LastActivity = s.now()
	if err := s.detach(ctx, playerID); err != nil {
		return RemoveResult{}, err
	}

	switch {
	case len(r.Players) == 0:
		res.RoomDeleted = true
	case wasHost && s.policy == DissolveRoom:
		res.RoomDeleted = true
		res.Evicted = r.PlayerIDs()
	case wasHost:
		r.setHost(r.Players[0].ID)
		res.NewHostID = r.HostID
	}

	if res.RoomDeleted {
		if err := s.dropRoom(ctx, r); err != nil {
			return RemoveResult{}, err
		}
		return res, nil
	}
	if err := s.backend.saveRoom(ctx, r); err != nil {
		return RemoveResult{}, fmt.Errorf("saving room %s: %w", roomID, err)
	}
	res.Room = r.Clone()
	return res, nil
}

// GetAllRooms returns snapshots of every room, oldest first.
func (s *Store) GetAllRooms(ctx context.Context) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms, err := s.backend.listRooms(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// AddPlayer stores or replaces a player record.
func (s *Store) AddPlayer(ctx context.Context, p Player) error {
	if p.ID == "" {
		return fmt.Errorf("%w: player id must not be empty", ErrInvalidRoom)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	return s.backend.savePlayer(ctx, &p)
}

// GetPlayer returns a snapshot of a player record.
func (s *Store) GetPlayer(ctx context.Context, id string) (*Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.loadPlayer(ctx, id)
}

// UpdatePlayer applies fn to a copy of the player record and commits it when fn
// succeeds. LastSeen is stamped on commit.
func (s *Store) UpdatePlayer(ctx context.Context, id string, fn func(*Player) error) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.backend.loadPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id
	p.LastSeen = s.now()
	if err := s.backend.savePlayer(ctx, p); err != nil {
		return nil, fmt.Errorf("saving player %s: %w", id, err)
	}
	c := p.Clone()
	return &c, nil
}

// RemovePlayer deletes a player record. Room membership is unaffected.
func (s *Store) RemovePlayer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.deletePlayer(ctx, id)
}

// Sweep deletes rooms whose LastActivity and players whose LastSeen are older
// than now-maxIdle. Players still seated in a surviving room are kept.
func (s *Store) Sweep(ctx context.Context, now time.Time, maxIdle time.Duration) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxIdle)
	var res SweepResult
	rooms, err := s.backend.listRooms(ctx)
	if err != nil {
		return res, err
	}
	var stale []*Room
	seated := make(map[string]bool)
	for _, r := range rooms {
		if r.LastActivity.Before(cutoff) {
			stale = append(stale, r)
			continue
		}
		for _, p := range r.Players {
			seated[p.ID] = true
		}
	}

	// Players go first so that detaching members of a stale room does not
	// refresh their LastSeen.
	players, err := s.backend.listPlayers(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range players {
		if seated[p.ID] || !p.LastSeen.Before(cutoff) {
			continue
		}
		if err := s.backend.deletePlayer(ctx, p.ID); err != nil {
			return res, err
		}
		res.Players = append(res.Players, p.ID)
	}
	for _, r := range stale {
		if err := s.dropRoom(ctx, r); err != nil {
			return res, err
		}
		res.Rooms = append(res.Rooms, r.ID)
		if res.Members == nil {
			res.Members = make(map[string][]string)
		}
		res.Members[r.ID] = r.PlayerIDs()
	}
	sort.Strings(res.Rooms)
	sort.Strings(res.Players)
	return res, nil
}

// seat appends p to r as a fresh member and returns the seated copy.
func (s *Store) seat(r *Room, p Player, now time.Time) Player {
	p = p.Clone()
	p.RoomID = r.ID
	p.IsHost = false
	p.IsConnected = true
	p.Position = 0
	p.Score = 0
	p.CompletedTasks = 0
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	r.Players = append(r.Players, p)
	r.SetPosition(p.ID, 0)
	if len(r.Players) == 1 {
		r.setHost(p.ID)
	}
	seated, _ := r.Player(p.ID)
	return *seated
}

func (r *Room) setHost(id string) {
	r.HostID = id
	for i := range r.Players {
		r.Players[i].IsHost = r.Players[i].ID == id
	}
}

// mirror upserts the player-side record of a seated member.
func (s *Store) mirror(ctx context.Context, p Player) error {
	existing, err := s.backend.loadPlayer(ctx, p.ID)
	switch {
	case errors.Is(err, ErrPlayerNotFound):
		existing = &p
	case err != nil:
		return err
	default:
		existing.Name = p.Name
		existing.Color = p.Color
		existing.Avatar = p.Avatar
		existing.Gender = p.Gender
		existing.RoomID = p.RoomID
		existing.IsConnected = p.IsConnected
		existing.LastSeen = p.LastSeen
		if p.ConnID != "" {
			existing.ConnID = p.ConnID
		}
	}
	if err := s.backend.savePlayer(ctx, existing); err != nil {
		return fmt.Errorf("saving player %s: %w", p.ID, err)
	}
	return nil
}

// detach clears the room reference on a player record, if one exists.
func (s *Store) detach(ctx context.Context, playerID string) error {
	p, err := s.backend.loadPlayer(ctx, playerID)
	if errors.Is(err, ErrPlayerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.RoomID = ""
	p.IsHost = false
	p.LastSeen = s.now()
	return s.backend.savePlayer(ctx, p)
}

func (s *Store) dropRoom(ctx context.Context, r *Room) error {
	for _, p := range r.Players {
		if err := s.detach(ctx, p.ID); err != nil {
			return err
		}
	}
	if err := s.backend.deleteRoom(ctx, r.ID); err != nil {
		return fmt.Errorf("deleting room %s: %w", r.ID, err)
	}
	return nil
}

// maxCodeAttempts bounds room code generation against collisions.
const maxCodeAttempts = 16

func (s *Store) uniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("generating room code: %w", err)
		}
		_, err = s.backend.loadRoom(ctx, code)
		if errors.Is(err, ErrRoomNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("generating room code: %d collisions", maxCodeAttempts)
}

// codeAlphabet omits characters that are easily confused when read aloud or typed.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the length of a room code.
const CodeLength = 6

// RoomCode returns a random human-typeable room code.
func RoomCode() (string, error) {
	var raw [CodeLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	code := make([]byte, CodeLength)
	for i, b := range raw {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}
