package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/negotiation"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
	"github.com/cory-johannsen/flyingchess/internal/transport/peer"
)

type harness struct {
	net  *negotiation.MemoryNetwork
	sw   *peer.MemorySwitch
	hub  *transport.Hub
	reg  *registry.Store
	host *peer.Host
}

func testConfig() config.PeerConfig {
	return config.PeerConfig{
		FirstTimeout:   time.Second,
		RetryTimeout:   500 * time.Millisecond,
		MaxRetries:     1,
		ConnectTimeout: 2 * time.Second,
	}
}

func startHost(t *testing.T) *harness {
	t.Helper()
	network := negotiation.NewMemoryNetwork()
	sw := peer.NewMemorySwitch()
	reg := registry.NewMemory(registry.MigrateHost)
	hub := transport.NewHub("peer", reg, 16, zaptest.NewLogger(t), nil)
	host := peer.NewHost("host", hub, sw.Endpoint("host"), network.Factory(), 2*time.Second, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- host.Serve() }()
	t.Cleanup(func() {
		host.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("host did not stop")
		}
	})
	return &harness{net: network, sw: sw, hub: hub, reg: reg, host: host}
}

func (h *harness) dial(t *testing.T, id string) *peer.Client {
	t.Helper()
	c, err := peer.Dial(context.Background(), id, "host", h.sw.Endpoint(id), h.net.Factory(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echo(h *transport.Hub) {
	h.OnEnvelope(func(_ context.Context, c *transport.Conn, env protocol.Envelope) {
		if env.RequestID != "" {
			_ = c.Send(protocol.NewResponse(env, map[string]string{"from": c.PlayerID()}, nil))
		}
	})
}

func TestPeer_CallOverChannel(t *testing.T) {
	h := startHost(t)
	echo(h.hub)
	c := h.dial(t, "guest")

	resp, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"guest"}`, string(resp.Data))
	assert.Equal(t, negotiation.StateConnected, c.State())

	_, ok := h.hub.Conn("guest")
	assert.True(t, ok)
	assert.Equal(t, 1, h.host.Sessions())
}

func TestPeer_BroadcastReachesGuests(t *testing.T) {
	ctx := context.Background()
	h := startHost(t)
	echo(h.hub)
	a := h.dial(t, "a")
	b := h.dial(t, "b")

	room, err := h.reg.CreateRoom(ctx, registry.Room{
		Name:       "r",
		MaxPlayers: 3,
		Players:    []registry.Player{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
	})
	require.NoError(t, err)

	got := make(chan string, 2)
	a.Subscribe(protocol.EventGameNext, func(protocol.Envelope) { got <- "a" })
	b.Subscribe(protocol.EventGameNext, func(protocol.Envelope) { got <- "b" })

	env, err := protocol.NewBroadcast(protocol.EventGameNext, map[string]string{"currentUser": "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.hub.Len() == 2 }, time.Second, 10*time.Millisecond)
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

func TestPeer_GuestCloseNotifiesHub(t *testing.T) {
	h := startHost(t)
	echo(h.hub)
	gone := make(chan string, 1)
	h.hub.OnDisconnect(func(_ context.Context, c *transport.Conn) { gone <- c.PlayerID() })

	c := h.dial(t, "guest")
	_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case id := <-gone:
		assert.Equal(t, "guest", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	require.Eventually(t, func() bool { return h.host.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPeer_CapabilityUnavailable(t *testing.T) {
	network := negotiation.NewMemoryNetwork()
	network.Unavailable = true
	sw := peer.NewMemorySwitch()

	_, err := peer.Dial(context.Background(), "guest", "host", sw.Endpoint("guest"), network.Factory(), testConfig(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, negotiation.ErrCapabilityUnavailable)
}

func TestPeer_DialTimesOutWithoutHost(t *testing.T) {
	sw := peer.NewMemorySwitch()
	network := negotiation.NewMemoryNetwork()
	// A listener that swallows every signal keeps the offer unanswered.
	unsub := sw.Endpoint("host").OnSignal(func(context.Context, negotiation.Signal) {})
	defer unsub()

	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	_, err := peer.Dial(context.Background(), "guest", "host", sw.Endpoint("guest"), network.Factory(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeer_NoHostListening(t *testing.T) {
	sw := peer.NewMemorySwitch()
	network := negotiation.NewMemoryNetwork()

	_, err := peer.Dial(context.Background(), "guest", "host", sw.Endpoint("guest"), network.Factory(), testConfig(), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending offer")
}

func TestRetryPolicy(t *testing.T) {
	assert.Equal(t, protocol.DefaultRetryPolicy, peer.RetryPolicy(config.PeerConfig{}))
	assert.Equal(t, protocol.RetryPolicy{FirstTimeout: time.Second, RetryTimeout: 500 * time.Millisecond, MaxRetries: 1},
		peer.RetryPolicy(testConfig()))
}

type fakeLink struct {
	sent     []protocol.Envelope
	handlers map[string]protocol.Handler
}

func (f *fakeLink) Notify(_ context.Context, event string, data any) error {
	env, err := protocol.NewEvent(event, data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeLink) Subscribe(event string, h protocol.Handler) func() {
	if f.handlers == nil {
		f.handlers = make(map[string]protocol.Handler)
	}
	f.handlers[event] = h
	return func() { delete(f.handlers, event) }
}

func TestRelaySignaler(t *testing.T) {
	link := &fakeLink{}
	s := peer.NewRelaySignaler(link, zaptest.NewLogger(t))

	sig := negotiation.Signal{Type: negotiation.SignalOffer, From: "guest", To: "host", SDP: "v=0"}
	require.NoError(t, s.Signal(context.Background(), sig))
	require.Len(t, link.sent, 1)
	assert.Equal(t, protocol.EventPeerSignal, link.sent[0].Event)
	var sent negotiation.Signal
	require.NoError(t, link.sent[0].Decode(&sent))
	assert.Equal(t, sig, sent)

	var got []negotiation.Signal
	unsub := s.OnSignal(func(_ context.Context, sig negotiation.Signal) { got = append(got, sig) })
	h := link.handlers[protocol.EventPeerSignal]
	require.NotNil(t, h)

	env, err := protocol.NewBroadcast(protocol.EventPeerSignal, negotiation.Signal{Type: negotiation.SignalAnswer, From: "host", To: "guest", SDP: "v=0"})
	require.NoError(t, err)
	h(env)
	h(protocol.Envelope{Type: protocol.KindBroadcast, Event: protocol.EventPeerSignal, Data: []byte(`{`)})
	require.Len(t, got, 1)
	assert.Equal(t, negotiation.SignalAnswer, got[0].Type)

	unsub()
	assert.Empty(t, link.handlers)
}
