package lan_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/testutil"
	"github.com/cory-johannsen/flyingchess/internal/transport"
	"github.com/cory-johannsen/flyingchess/internal/transport/lan"
)

func testConfig() config.LANConfig {
	return config.LANConfig{
		Host:           "127.0.0.1",
		Port:           0,
		ConnectTimeout: time.Second,
		ConnectRetries: 1,
		MaxFrameSize:   1 << 16,
	}
}

type harness struct {
	host *lan.Host
	hub  *transport.Hub
	reg  *registry.Store
}

func startHost(t *testing.T) *harness {
	t.Helper()
	reg := registry.NewMemory(registry.DissolveRoom)
	hub := transport.NewHub("lan", reg, 16, zaptest.NewLogger(t), nil)
	host := lan.NewHost(testConfig(), "tester", hub, reg, zaptest.NewLogger(t), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- host.ListenAndServe() }()
	require.Eventually(t, func() bool { return host.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		host.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("host did not stop")
		}
	})
	return &harness{host: host, hub: hub, reg: reg}
}

func echo(h *transport.Hub) {
	h.OnEnvelope(func(_ context.Context, c *transport.Conn, env protocol.Envelope) {
		if env.RequestID != "" {
			_ = c.Send(protocol.NewResponse(env, map[string]string{"event": env.Event}, nil))
		}
	})
}

func TestLAN_ClientCall(t *testing.T) {
	h := startHost(t)
	echo(h.hub)

	c, err := lan.Dial(context.Background(), h.host.Addr(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()
	c.SetPlayerID("p1")

	resp, err := c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"room:list"}`, string(resp.Data))
	_, ok := h.hub.Conn("p1")
	assert.True(t, ok)
}

func TestLAN_FragmentedAndMalformedFrames(t *testing.T) {
	h := startHost(t)
	echo(h.hub)

	lc := testutil.NewLineClient(t, h.host.Addr())
	defer lc.Close()

	lc.SendRaw([]byte("not json\n"))
	lc.SendRaw([]byte(`{"type":"event","event":"room:list",`))
	time.Sleep(20 * time.Millisecond)
	lc.SendRaw([]byte(`"requestId":"r1"}` + "\n"))

	resp := lc.ReadResponse("r1", 2*time.Second)
	assert.JSONEq(t, `{"event":"room:list"}`, string(resp.Data))
}

func TestLAN_DisconnectNotifies(t *testing.T) {
	h := startHost(t)
	echo(h.hub)
	gone := make(chan string, 1)
	h.hub.OnDisconnect(func(_ context.Context, c *transport.Conn) { gone <- c.PlayerID() })

	c, err := lan.Dial(context.Background(), h.host.Addr(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	c.SetPlayerID("p2")
	_, err = c.Call(context.Background(), protocol.EventRoomList, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case id := <-gone:
		assert.Equal(t, "p2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
}

func TestLAN_DialGivesUpAfterRetries(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.ConnectRetries = 1
	_, err = lan.Dial(context.Background(), addr, cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestLAN_HostDropsConnectionPendingCallsCancelled(t *testing.T) {
	h := startHost(t)
	c, err := lan.Dial(context.Background(), h.host.Addr(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.EventRoomList, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 && h.hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	h.hub.CloseAll(context.Background())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived the dropped connection")
	}
	<-c.Done()
	assert.Error(t, c.Err())
}

func TestLAN_Descriptor(t *testing.T) {
	ctx := context.Background()
	h := startHost(t)

	_, ok := h.host.Descriptor(ctx)
	assert.False(t, ok, "nothing hosted yet")

	room, err := h.reg.CreateRoom(ctx, registry.Room{
		Name:       "Living room",
		MaxPlayers: 4,
		GameType:   "flyingchess",
		Players:    []registry.Player{{ID: "host", Name: "Hana"}},
	})
	require.NoError(t, err)

	d, ok := h.host.Descriptor(ctx)
	require.True(t, ok)
	assert.Equal(t, room.ID, d.RoomID)
	assert.Equal(t, "Living room", d.RoomName)
	assert.Equal(t, "tester", d.HostName)
	assert.Equal(t, h.host.Port(), d.Port)
	assert.Equal(t, 4, d.MaxPlayers)
	assert.Equal(t, 1, d.CurrentPlayers)
	assert.Equal(t, "127.0.0.1", d.HostIP, "a host bound to one address advertises it")
	assert.Equal(t, h.host.Addr(), d.Addr())
	require.NoError(t, d.Validate())
}

func TestLAN_LocalAndRemotePlayersShareBroadcasts(t *testing.T) {
	ctx := context.Background()
	h := startHost(t)
	echo(h.hub)

	local := transport.NewLocal(ctx, h.hub, "host")
	defer local.Close(ctx)

	remote, err := lan.Dial(ctx, h.host.Addr(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer remote.Close()
	remote.SetPlayerID("guest")
	_, err = remote.Call(ctx, protocol.EventRoomList, nil)
	require.NoError(t, err)

	room, err := h.reg.CreateRoom(ctx, registry.Room{
		Name:       "r",
		MaxPlayers: 2,
		Players:    []registry.Player{{ID: "host", Name: "H"}, {ID: "guest", Name: "G"}},
	})
	require.NoError(t, err)

	got := make(chan string, 2)
	local.Subscribe(protocol.EventGameNext, func(protocol.Envelope) { got <- "host" })
	remote.Subscribe(protocol.EventGameNext, func(protocol.Envelope) { got <- "guest" })

	env, err := protocol.NewBroadcast(protocol.EventGameNext, map[string]string{"currentUser": "host"})
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
	assert.ElementsMatch(t, []string{"host", "guest"}, who)
}
