package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/flyingchess/internal/registry"
	"github.com/cory-johannsen/flyingchess/internal/storage/postgres"
	"github.com/cory-johannsen/flyingchess/internal/testutil"
)

func setupKV(t *testing.T) *postgres.KVStore {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return postgres.NewKVStore(pc.Pool)
}

func TestKVStore_CRUD(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "room:NOPE00")
	assert.ErrorIs(t, err, registry.ErrKeyNotFound)

	require.NoError(t, kv.Put(ctx, "room:ABC234", []byte(`{"id":"ABC234","name":"one"}`)))
	require.NoError(t, kv.Put(ctx, "room:ABC234", []byte(`{"id":"ABC234","name":"two"}`)))
	require.NoError(t, kv.Put(ctx, "player:p1", []byte(`{"id":"p1"}`)))

	got, err := kv.Get(ctx, "room:ABC234")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ABC234","name":"two"}`, string(got))

	rooms, err := kv.List(ctx, "room:")
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Contains(t, rooms, "room:ABC234")

	require.NoError(t, kv.Delete(ctx, "room:ABC234"))
	require.NoError(t, kv.Delete(ctx, "room:ABC234"))
	_, err = kv.Get(ctx, "room:ABC234")
	assert.ErrorIs(t, err, registry.ErrKeyNotFound)
}

func TestKVStore_BacksPersistentRegistry(t *testing.T) {
	kv := setupKV(t)
	ctx := context.Background()

	reg := registry.NewPersistent(kv, registry.MigrateHost)
	room, err := reg.CreateRoom(ctx, registry.Room{
		Name:       "persisted",
		MaxPlayers: 2,
		Players:    []registry.Player{{ID: "p1", Name: "Ann"}},
	})
	require.NoError(t, err)
	_, err = reg.AddPlayerToRoom(ctx, room.ID, registry.Player{ID: "p2", Name: "Bo"})
	require.NoError(t, err)

	// A second registry over the same table sees the state, as after a restart.
	restarted := registry.NewPersistent(kv, registry.MigrateHost)
	got, err := restarted.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, got.PlayerIDs())
	assert.Equal(t, "p1", got.HostID)

	p, err := restarted.GetPlayer(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, room.ID, p.RoomID)
}

func TestMigrate_Idempotent(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	require.NoError(t, postgres.Migrate(pc.DSN()))
	require.NoError(t, postgres.Migrate(pc.DSN()))
	require.NoError(t, pc.Pool.Health(context.Background(), 5*time.Second))
}
