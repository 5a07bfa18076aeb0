package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
	"github.com/cory-johannsen/flyingchess/internal/transport/relay"
)

type harness struct {
	hub *transport.Hub
	reg *registry.Store
	url string
}

func newHarness(t *testing.T, cfg config.RelayConfig) *harness {
	t.Helper()
	reg := registry.NewMemory(registry.MigrateHost)
	hub := transport.NewHub("relay", reg, cfg.OutboxSize, zaptest.NewLogger(t), nil)
	srv := relay.NewServer(cfg, hub, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return &harness{hub: hub, reg: reg, url: "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path}
}

func defaultConfig() config.RelayConfig {
	return config.RelayConfig{
		Path:              "/ws",
		HeartbeatInterval: time.Second,
		WriteTimeout:      time.Second,
		RateLimit:         100,
		RateBurst:         100,
		OutboxSize:        16,
	}
}

// echo answers every request with its event name and binds unbound connections.
func echo(h *transport.Hub) {
	h.OnEnvelope(func(_ context.Context, c *transport.Conn, env protocol.Envelope) {
		if env.RequestID == "" {
			return
		}
		resp := protocol.NewResponse(env, map[string]string{"event": env.Event}, nil)
		if c.PlayerID() == "" {
			h.Rekey(c, "assigned")
			resp.PlayerID = "assigned"
		}
		_ = c.Send(resp)
	})
}

func dial(t *testing.T, url string) *relay.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := relay.Dial(ctx, url, protocol.SingleAttempt(2*time.Second), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelay_CallRoundTrip(t *testing.T) {
	h := newHarness(t, defaultConfig())
	echo(h.hub)
	c := dial(t, h.url)

	resp, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"room:list"}`, string(resp.Data))
	assert.Equal(t, "assigned", c.PlayerID())

	_, ok := h.hub.Conn("assigned")
	assert.True(t, ok)
}

func TestRelay_PlayerIDBindsConnection(t *testing.T) {
	h := newHarness(t, defaultConfig())
	echo(h.hub)
	c := dial(t, h.url)
	c.SetPlayerID("p7")

	_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	_, ok := h.hub.Conn("p7")
	assert.True(t, ok)
}

func TestRelay_BroadcastToRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())
	echo(h.hub)

	a := dial(t, h.url)
	a.SetPlayerID("a")
	b := dial(t, h.url)
	b.SetPlayerID("b")
	for _, c := range []*relay.Client{a, b} {
		_, err := c.Call(ctx, protocol.EventRoomList, nil)
		require.NoError(t, err)
	}

	room, err := h.reg.CreateRoom(ctx, registry.Room{
		Name:       "r",
		MaxPlayers: 2,
		Players:    []registry.Player{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
	})
	require.NoError(t, err)

	got := make(chan string, 2)
	for _, c := range []*relay.Client{a, b} {
		c := c
		c.Subscribe(protocol.EventRoomUpdate, func(env protocol.Envelope) { got <- c.PlayerID() })
	}
	env, err := protocol.NewBroadcast(protocol.EventRoomUpdate, room)
	require.NoError(t, err)
	require.NoError(t, h.hub.Broadcast(ctx, room.ID, env))

	var who []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			who = append(who, id)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, who)
}

func TestRelay_DisconnectNotifiesHub(t *testing.T) {
	h := newHarness(t, defaultConfig())
	echo(h.hub)
	gone := make(chan string, 1)
	h.hub.OnDisconnect(func(_ context.Context, c *transport.Conn) { gone <- c.PlayerID() })

	c := dial(t, h.url)
	c.SetPlayerID("p1")
	_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case id := <-gone:
		assert.Equal(t, "p1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
}

func TestRelay_RateLimitAnswersWithError(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = 0.01
	cfg.RateBurst = 1
	h := newHarness(t, cfg)
	echo(h.hub)
	c := dial(t, h.url)

	_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), protocol.EventRoomList, nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, relay.ErrRateLimited.Error(), remote.Message)
}

func TestRelay_MalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, defaultConfig())
	echo(h.hub)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: protocol.KindEvent, Event: protocol.EventRoomList, RequestID: "r1"}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp protocol.Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, protocol.KindResponse, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestRelay_ClientCancelsPendingOnDrop(t *testing.T) {
	h := newHarness(t, defaultConfig())
	// No handler: requests go unanswered.
	c, err := relay.Dial(context.Background(), h.url, protocol.SingleAttempt(5*time.Second), zaptest.NewLogger(t))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 10*time.Millisecond)
	h.hub.CloseAll(context.Background())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not cancelled")
	}
	<-c.Done()
	assert.Error(t, c.Err())
	_ = c.Close()
}
