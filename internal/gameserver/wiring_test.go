package gameserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/flyingchess/internal/config"
	"github.com/cory-johannsen/flyingchess/internal/game/dice"
	"github.com/cory-johannsen/flyingchess/internal/gameserver"
	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/transport"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromViper(config.Defaults())
	require.NoError(t, err)
	return cfg
}

func TestBuild_RelayStack(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig(t)
	stack, err := gameserver.Build(ctx, cfg, dice.NewSequenceSource(1), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close(ctx) })

	assert.Equal(t, registry.MigrateHost, stack.Registry.Policy())
	assert.Equal(t, config.ModeRelay, stack.Hub.Name())
	assert.Len(t, stack.Board.Path(), cfg.Game.BoardLength)

	l := transport.NewLocal(ctx, stack.Hub, "")
	t.Cleanup(func() { l.Close(ctx) })
	room := createRoom(t, l, "Ana")
	assert.Len(t, room.BoardPath, cfg.Game.BoardLength)

	rooms, err := stack.Registry.GetAllRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestBuild_LANDissolvesRooms(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig(t)
	cfg.Server.Mode = config.ModeLAN
	stack, err := gameserver.Build(ctx, cfg, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close(ctx) })

	assert.Equal(t, registry.DissolveRoom, stack.Registry.Policy())
}

func TestBuild_BadBoardFile(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Game.BoardFile = t.TempDir() + "/missing.yaml"
	_, err := gameserver.Build(context.Background(), cfg, nil, zaptest.NewLogger(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading board")
}

func TestOpenRegistry_UnknownBackend(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Registry.Backend = "etcd"
	_, _, err := gameserver.OpenRegistry(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, `unknown registry backend "etcd"`)
}

func TestStack_SweeperAnnouncesExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig(t)
	stack, err := gameserver.Build(ctx, cfg, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close(ctx) })

	sw := stack.NewSweeper(cfg.Registry, zaptest.NewLogger(t))
	res, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Rooms)
}

func TestStack_CheckDatabaseWithoutPool(t *testing.T) {
	ctx := context.Background()
	stack, err := gameserver.Build(ctx, defaultConfig(t), nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close(ctx) })

	assert.Nil(t, stack.Pool)
	assert.NoError(t, stack.CheckDatabase(ctx, time.Millisecond, func(bool) { t.Error("unexpected health change") }, zaptest.NewLogger(t)))
}
