package gameserver_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/flyingchess/internal/game"
	"github.com/cory-johannsen/flyingchess/internal/game/board"
	"github.com/cory-johannsen/flyingchess/internal/game/dice"
	"github.com/cory-johannsen/flyingchess/internal/gameserver"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

type fixture struct {
	reg *registry.Store
	hub *transport.Hub
	svc *gameserver.Service
}

// newFixture wires a service whose dice always show 2.
func newFixture(t *testing.T, policy registry.HostPolicy, opts gameserver.Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.NewMemory(policy)
	hub := transport.NewHub("test", reg, 64, logger, nil)
	b := board.Default(10)
	rules := game.NewFlyingChess(b, dice.NewRoller(dice.NewSequenceSource(1), logger))
	engine := game.NewEngine(reg, hub, rules, logger)
	svc := gameserver.NewService(reg, engine, hub, b, opts, logger, nil)
	return &fixture{reg: reg, hub: hub, svc: svc}
}

func (f *fixture) player(t *testing.T, id string) *transport.Local {
	t.Helper()
	ctx := context.Background()
	l := transport.NewLocal(ctx, f.hub, id)
	t.Cleanup(func() { l.Close(ctx) })
	return l
}

// events collects broadcasts named event received by l.
func events(l *transport.Local, event string) <-chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 32)
	l.Subscribe(event, func(env protocol.Envelope) { ch <- env })
	return ch
}

func next(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("expected broadcast not received")
		return protocol.Envelope{}
	}
}

func decodeRoom(t *testing.T, env protocol.Envelope) registry.Room {
	t.Helper()
	var r registry.Room
	require.NoError(t, json.Unmarshal(env.Data, &r))
	return r
}

func createRoom(t *testing.T, l *transport.Local, name string) registry.Room {
	t.Helper()
	resp, err := l.Call(context.Background(), protocol.EventRoomCreate, map[string]any{
		"roomName":   "Living room",
		"playerName": name,
		"maxPlayers": 4,
	})
	require.NoError(t, err)
	return decodeRoom(t, resp)
}

func joinRoom(t *testing.T, l *transport.Local, roomID, name string) registry.Room {
	t.Helper()
	resp, err := l.Call(context.Background(), protocol.EventRoomJoin, map[string]any{
		"roomId":     roomID,
		"playerName": name,
	})
	require.NoError(t, err)
	return decodeRoom(t, resp)
}

func remoteError(t *testing.T, err error) string {
	t.Helper()
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	return remote.Message
}

func TestService_TwoPlayerGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	host := f.player(t, "")
	guest := f.player(t, "")

	room := createRoom(t, host, "Ana")
	require.NotEmpty(t, host.PlayerID(), "room:create assigns an id")
	assert.Equal(t, host.PlayerID(), room.HostID)
	assert.Len(t, room.ID, registry.CodeLength)
	assert.Equal(t, gameserver.DefaultGameType, room.GameType)
	assert.Len(t, room.BoardPath, 10)
	require.NotNil(t, room.TaskSet)
	assert.Equal(t, board.DefaultTaskSetName, room.TaskSet.Name)

	hostUpdates := events(host, protocol.EventRoomUpdate)
	joined := joinRoom(t, guest, room.ID, "Bo")
	require.NotEmpty(t, guest.PlayerID())
	assert.Equal(t, []string{host.PlayerID(), guest.PlayerID()}, joined.PlayerIDs())
	assert.Len(t, decodeRoom(t, next(t, hostUpdates)).Players, 2)

	resp, err := guest.Call(ctx, protocol.EventRoomList, nil)
	require.NoError(t, err)
	var list gameserver.ListResponse
	require.NoError(t, resp.Decode(&list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, room.ID, list.Rooms[0].ID)

	_, err = guest.Call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: room.ID})
	assert.Contains(t, remoteError(t, err), game.ErrNotHost.Error())

	guestNext := events(guest, protocol.EventGameNext)
	guestDice := events(guest, protocol.EventGameDice)
	guestMoves := events(guest, protocol.EventGamePositionUpdate)

	_, err = host.Call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: room.ID})
	require.NoError(t, err)
	var np game.NextPayload
	require.NoError(t, next(t, guestNext).Decode(&np))
	assert.Equal(t, host.PlayerID(), np.CurrentUser)

	_, err = guest.Call(ctx, protocol.EventGameAction, map[string]any{"roomId": room.ID, "type": game.ActionRollDice})
	assert.Contains(t, remoteError(t, err), game.ErrNotYourTurn.Error())

	_, err = host.Call(ctx, protocol.EventGameAction, map[string]any{"roomId": room.ID, "type": game.ActionRollDice})
	require.NoError(t, err)
	var dp game.DicePayload
	require.NoError(t, next(t, guestDice).Decode(&dp))
	assert.Equal(t, game.DicePayload{PlayerID: host.PlayerID(), DiceValue: 2, PlayerName: "Ana"}, dp)

	_, err = host.Call(ctx, protocol.EventGameAction, map[string]any{"roomId": room.ID, "type": game.ActionMoveComplete})
	require.NoError(t, err)
	var pp game.PositionPayload
	require.NoError(t, next(t, guestMoves).Decode(&pp))
	assert.Equal(t, game.PositionPayload{PlayerID: host.PlayerID(), FromPosition: 0, ToPosition: 2, Reason: game.ReasonDice}, pp)
	require.NoError(t, next(t, guestNext).Decode(&np))
	assert.Equal(t, guest.PlayerID(), np.CurrentUser)
	assert.Equal(t, 1, np.TurnCount)

	stored, err := f.reg.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Position(host.PlayerID()))
	assert.Equal(t, registry.StatusPlaying, stored.Status)
}

func TestService_JoinNormalizesRoomCode(t *testing.T) {
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	room := createRoom(t, f.player(t, ""), "Ana")

	joined := joinRoom(t, f.player(t, ""), " "+strings.ToLower(room.ID)+" ", "Bo")
	assert.Equal(t, room.ID, joined.ID)
}

func TestService_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	anon := f.player(t, "")

	_, err := anon.Call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: "ABCDEF"})
	assert.Equal(t, gameserver.ErrNotIdentified.Error(), remoteError(t, err))

	_, err = anon.Call(ctx, "room:dance", nil)
	assert.Contains(t, remoteError(t, err), gameserver.ErrUnknownEvent.Error())

	_, err = anon.Call(ctx, protocol.EventRoomCreate, map[string]any{"roomName": "r"})
	assert.Contains(t, remoteError(t, err), "playerName")

	_, err = anon.Call(ctx, protocol.EventRoomJoin, map[string]any{"roomId": "NOPE42", "playerName": "x"})
	assert.Contains(t, remoteError(t, err), registry.ErrRoomNotFound.Error())

	room := createRoom(t, anon, "Ana")
	_, err = anon.Call(ctx, protocol.EventRoomCreate, map[string]any{"roomName": "again", "playerName": "Ana"})
	assert.Contains(t, remoteError(t, err), gameserver.ErrAlreadyInRoom.Error())

	other := f.player(t, "")
	_, err = other.Call(ctx, protocol.EventRoomCreate, map[string]any{"roomName": "r", "playerName": "x", "maxPlayers": 9})
	assert.Contains(t, remoteError(t, err), registry.ErrInvalidRoom.Error())

	_, err = anon.Call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: room.ID})
	assert.Contains(t, remoteError(t, err), game.ErrNotEnoughPlayers.Error())
}

func TestService_RoomFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	host := f.player(t, "")
	resp, err := host.Call(ctx, protocol.EventRoomCreate, map[string]any{"roomName": "duo", "playerName": "A", "maxPlayers": 2})
	require.NoError(t, err)
	room := decodeRoom(t, resp)

	joinRoom(t, f.player(t, ""), room.ID, "B")
	_, err = f.player(t, "").Call(ctx, protocol.EventRoomJoin, map[string]any{"roomId": room.ID, "playerName": "C"})
	assert.Contains(t, remoteError(t, err), registry.ErrRoomFull.Error())
}

func TestService_InlineTaskSet(t *testing.T) {
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	resp, err := f.player(t, "").Call(context.Background(), protocol.EventRoomCreate, map[string]any{
		"roomName":   "custom",
		"playerName": "A",
		"taskSet":    map[string]any{"name": "party", "star": []string{"sing"}},
	})
	require.NoError(t, err)
	room := decodeRoom(t, resp)
	require.NotNil(t, room.TaskSet)
	assert.Equal(t, "party", room.TaskSet.Name)
	assert.Equal(t, []string{"sing"}, room.TaskSet.Star)
	assert.Equal(t, registry.MaxPlayers, room.MaxPlayers)
}

func TestTaskSetRef_UnmarshalJSON(t *testing.T) {
	var ref gameserver.TaskSetRef
	require.NoError(t, json.Unmarshal([]byte(`"classic"`), &ref))
	assert.Equal(t, gameserver.TaskSetRef{Name: "classic"}, ref)

	ref = gameserver.TaskSetRef{}
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","trap":["hop"]}`), &ref))
	require.NotNil(t, ref.Inline)
	assert.Equal(t, []string{"hop"}, ref.Inline.Trap)

	assert.Error(t, json.Unmarshal([]byte(`42`), &ref))
}

func TestTaskSetRef_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(gameserver.CreateRequest{PlayerName: "Ana"})
	require.NoError(t, err)
	var req gameserver.CreateRequest
	require.NoError(t, json.Unmarshal(b, &req))
	assert.Equal(t, gameserver.TaskSetRef{}, req.TaskSet, "an unset task set round-trips as null")

	b, err = json.Marshal(gameserver.TaskSetRef{Name: "classic"})
	require.NoError(t, err)
	assert.JSONEq(t, `"classic"`, string(b))
}

func TestService_RetriedRequestIsReplayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	c := f.hub.Attach("raw", nil)

	req, err := protocol.NewEvent(protocol.EventRoomCreate, map[string]any{"roomName": "r", "playerName": "A"})
	require.NoError(t, err)
	req.RequestID = "r1"
	f.hub.Dispatch(ctx, c, req)
	f.hub.Dispatch(ctx, c, req)

	first := <-c.Outbox().Frames()
	second := <-c.Outbox().Frames()
	// The first room:create also broadcasts room:update to the new host.
	if first.Type == protocol.KindBroadcast {
		first, second = second, <-c.Outbox().Frames()
	}
	require.Equal(t, protocol.KindResponse, first.Type)
	require.Equal(t, protocol.KindResponse, second.Type)
	assert.Equal(t, first, second)
	assert.Equal(t, c.PlayerID(), first.PlayerID.String())

	rooms, err := f.reg.GetAllRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestService_DisconnectMigratesHost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	host := transport.NewLocal(ctx, f.hub, "")
	guest := f.player(t, "")

	room := createRoom(t, host, "Ana")
	joinRoom(t, guest, room.ID, "Bo")
	updates := events(guest, protocol.EventRoomUpdate)

	host.Close(ctx)

	r := decodeRoom(t, next(t, updates))
	assert.Equal(t, guest.PlayerID(), r.HostID)
	assert.Equal(t, []string{guest.PlayerID()}, r.PlayerIDs())
	stored, err := f.reg.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, guest.PlayerID(), stored.HostID)
}

func TestService_HostLeavingDissolvesRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.DissolveRoom, gameserver.Options{})
	host := f.player(t, "")
	guest := f.player(t, "")

	room := createRoom(t, host, "Ana")
	joinRoom(t, guest, room.ID, "Bo")
	closed := events(guest, protocol.EventRoomClosed)

	resp, err := host.Call(ctx, protocol.EventRoomLeave, gameserver.RoomRequest{RoomID: room.ID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomId":"`+room.ID+`"}`, string(resp.Data))

	var cp gameserver.ClosedPayload
	require.NoError(t, next(t, closed).Decode(&cp))
	assert.Equal(t, gameserver.ClosedPayload{RoomID: room.ID, Reason: gameserver.ClosedHostLeft}, cp)

	_, err = f.reg.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	p, err := f.reg.GetPlayer(ctx, guest.PlayerID())
	require.NoError(t, err)
	assert.Empty(t, p.RoomID, "evicted players may join another room")
}

// startingRegistry starts the game from another goroutine as soon as a join
// commits, then gives that start time to run before the join returns.
type startingRegistry struct {
	*registry.Store
	engine  *game.Engine
	started chan error
}

func (r *startingRegistry) AddPlayerToRoom(ctx context.Context, roomID string, p registry.Player) (*registry.Room, error) {
	room, err := r.Store.AddPlayerToRoom(ctx, roomID, p)
	if err != nil {
		return nil, err
	}
	go func() {
		_, err := r.engine.Start(context.Background(), roomID, room.HostID)
		r.started <- err
	}()
	time.Sleep(20 * time.Millisecond)
	return room, nil
}

func TestService_JoinUpdateNeverFollowsStart(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := registry.NewMemory(registry.MigrateHost)
	reg := &startingRegistry{Store: store, started: make(chan error, 1)}
	hub := transport.NewHub("test", store, 64, logger, nil)
	b := board.Default(10)
	reg.engine = game.NewEngine(reg, hub, game.NewFlyingChess(b, dice.NewRoller(dice.NewSequenceSource(1), logger)), logger)
	gameserver.NewService(reg, reg.engine, hub, b, gameserver.Options{}, logger, nil)

	host := transport.NewLocal(ctx, hub, "")
	t.Cleanup(func() { host.Close(ctx) })
	guest := transport.NewLocal(ctx, hub, "")
	t.Cleanup(func() { guest.Close(ctx) })

	updates := events(host, protocol.EventRoomUpdate)
	room := createRoom(t, host, "Ana")
	joinRoom(t, guest, room.ID, "Bo")
	require.NoError(t, <-reg.started)

	var statuses []registry.GameStatus
	for {
		r := decodeRoom(t, next(t, updates))
		statuses = append(statuses, r.Status)
		if r.Status == registry.StatusPlaying {
			break
		}
	}
	select {
	case env := <-updates:
		t.Fatalf("room:update after the game started: %s (seen %v)", env.Data, statuses)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, registry.StatusWaiting, statuses[0])
}

func TestService_ExpiredRoomNotifiesMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{})
	host := f.player(t, "")
	guest := f.player(t, "")

	room := createRoom(t, host, "Ana")
	joinRoom(t, guest, room.ID, "Bo")
	hostClosed := events(host, protocol.EventRoomClosed)
	guestClosed := events(guest, protocol.EventRoomClosed)

	res, err := f.reg.Sweep(ctx, time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{room.ID}, res.Rooms)
	f.svc.RoomsExpired(ctx, res)

	want := gameserver.ClosedPayload{RoomID: room.ID, Reason: gameserver.ClosedExpired}
	for _, ch := range []<-chan protocol.Envelope{hostClosed, guestClosed} {
		var cp gameserver.ClosedPayload
		require.NoError(t, next(t, ch).Decode(&cp))
		assert.Equal(t, want, cp)
	}
}

func TestService_ForwardsSignals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registry.MigrateHost, gameserver.Options{RelaySignals: true})
	a := f.player(t, "a")
	b := f.player(t, "b")
	signals := events(b, protocol.EventPeerSignal)

	_, err := a.Call(ctx, protocol.EventPeerSignal, negotiation.Signal{
		Type: negotiation.SignalOffer,
		From: "mallory",
		To:   "b",
		SDP:  "v=0",
	})
	require.NoError(t, err)

	env := next(t, signals)
	assert.Equal(t, protocol.KindBroadcast, env.Type)
	var sig negotiation.Signal
	require.NoError(t, env.Decode(&sig))
	assert.Equal(t, negotiation.Signal{Type: negotiation.SignalOffer, From: "a", To: "b", SDP: "v=0"}, sig)

	_, err = a.Call(ctx, protocol.EventPeerSignal, negotiation.Signal{Type: negotiation.SignalOffer, To: "nobody"})
	assert.Contains(t, remoteError(t, err), transport.ErrNotConnected.Error())
}

func TestService_SignalingDisabled(t *testing.T) {
	f := newFixture(t, registry.DissolveRoom, gameserver.Options{})
	a := f.player(t, "a")
	f.player(t, "b")

	_, err := a.Call(context.Background(), protocol.EventPeerSignal, negotiation.Signal{Type: negotiation.SignalOffer, To: "b"})
	assert.Equal(t, gameserver.ErrSignalingDisabled.Error(), remoteError(t, err))
}
