package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"composer_back/animation"
	"composer_back/patch"
	"composer_back/timeline"
	"composer_back/transport"
)

var room = transport.Room{ProjectID: "proj", PageID: "page-1"}

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "composer.db"))
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestInferDriverFromDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":      "postgres",
		"postgresql://localhost/db":        "postgres",
		"user:pass@tcp(127.0.0.1:3306)/db": "mysql",
		"sqlite://composer.db":             "sqlite",
		"/var/lib/composer.sqlite":         "sqlite",
		"something-else":                   "",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, inferDriverFromDSN(dsn), dsn)
	}
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}

func TestOpenFromEnvRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	_, err := OpenFromEnv()
	assert.Error(t, err)

	t.Setenv("DATABASE_DSN", "opaque")
	t.Setenv("DATABASE_DRIVER", "")
	_, err = OpenFromEnv()
	assert.Error(t, err)
}

func TestSnapshotRoundTripAndVersion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.LoadSnapshot(ctx, room)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	snap := Snapshot{
		Room:       room,
		Scene:      json.RawMessage(`{"objects":[{"id":"a"}]}`),
		Clips:      []timeline.Clip{{ID: "c1", AssetID: "intro", TrackType: timeline.TrackVideo, Duration: 4, Volume: 1, PageID: room.PageID}},
		Animations: []animation.Record{{ObjectID: "a", Descriptor: animation.Descriptor{Type: animation.FadeIn, DurationMS: 300}}},
		LastPatch:  "p-1",
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err := store.LoadSnapshot(ctx, room)
	require.NoError(t, err)
	assert.JSONEq(t, string(snap.Scene), string(loaded.Scene))
	assert.Equal(t, snap.Clips, loaded.Clips)
	assert.Equal(t, snap.Animations, loaded.Animations)
	assert.Equal(t, "p-1", loaded.LastPatch)
	assert.Equal(t, uint64(1), loaded.Version)

	snap.Scene = json.RawMessage(`{"objects":[]}`)
	snap.LastPatch = "p-2"
	require.NoError(t, store.SaveSnapshot(ctx, snap))
	loaded, err = store.LoadSnapshot(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Version)
	assert.Equal(t, "p-2", loaded.LastPatch)
	assert.JSONEq(t, `{"objects":[]}`, string(loaded.Scene))

	other := transport.Room{ProjectID: "proj", PageID: "page-2"}
	_, err = store.LoadSnapshot(ctx, other)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestPatchLog(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		p := patch.Patch{
			ID: fmt.Sprintf("p-%d", i), ProjectID: room.ProjectID, PageID: room.PageID,
			UserID: "u1", OpType: patch.OpModify, ObjectID: "a",
			Payload: json.RawMessage(fmt.Sprintf(`{"props":{"left":%d}}`, i)), ServerTime: int64(1000 + i),
		}
		require.NoError(t, store.AppendPatch(ctx, p))
	}
	require.NoError(t, store.AppendPatch(ctx, patch.Patch{ID: "p-3", ProjectID: room.ProjectID, PageID: room.PageID, OpType: patch.OpRemove}))
	require.NoError(t, store.AppendPatch(ctx, patch.Patch{ID: "elsewhere", ProjectID: "proj", PageID: "page-9", OpType: patch.OpRemove, ObjectID: "z"}))

	all, err := store.PatchesAfter(ctx, room, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5, "duplicate ids are ignored and rooms are isolated")
	assert.Equal(t, patch.OpModify, all[2].OpType)
	assert.JSONEq(t, `{"props":{"left":1}}`, string(all[0].Payload))

	tail, err := store.PatchesAfter(ctx, room, "p-3", 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "p-4", tail[0].ID)
	assert.Equal(t, int64(1005), tail[1].ServerTime)

	limited, err := store.PatchesAfter(ctx, room, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = store.PatchesAfter(ctx, room, "unknown", 0)
	assert.ErrorIs(t, err, ErrPatchNotFound)

	assert.ErrorIs(t, store.AppendPatch(ctx, patch.Patch{}), patch.ErrMalformed)
}

func TestNilStore(t *testing.T) {
	var store *Store
	assert.ErrorIs(t, store.AutoMigrate(), ErrNotInitialized)
	_, err := store.LoadSnapshot(context.Background(), room)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
