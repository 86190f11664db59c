package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"composer_back/timeline"
)

var _ timeline.AssetResolver = (*AssetStore)(nil)

func TestObjectName(t *testing.T) {
	store := newAssetStore(nil, "media", "assets", "https://cdn.example.com/", time.Minute)

	tests := []struct {
		in   string
		want string
	}{
		{"intro.mp4", "assets/intro.mp4"},
		{"/intro.mp4", "assets/intro.mp4"},
		{"assets/intro.mp4", "assets/intro.mp4"},
		{"media/assets/music/bg.mp3", "assets/music/bg.mp3"},
		{"music//bg.mp3", "assets/music/bg.mp3"},
		{"https://cdn.example.com/media/assets/intro.mp4", "assets/intro.mp4"},
	}
	for _, tt := range tests {
		got, err := store.objectName(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"../secret", "a/../../b", "https://other.example.com/x", "/"} {
		_, err := store.objectName(bad)
		assert.ErrorIs(t, err, ErrInvalidAsset, bad)
	}
}

func TestResolveURLWithoutClient(t *testing.T) {
	ctx := context.Background()

	var unset *AssetStore
	got, err := unset.ResolveURL(ctx, "https://videos.example.org/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://videos.example.org/a.mp4", got)

	_, err = unset.ResolveURL(ctx, "intro.mp4")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = unset.ResolveURL(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidAsset)

	store := newAssetStore(nil, "media", "", "https://cdn.example.com", 0)
	assert.Equal(t, defaultURLExpiry, store.expiry)
	got, err = store.ResolveURL(ctx, "https://elsewhere.example.org/b.mp3")
	require.NoError(t, err)
	assert.Equal(t, "https://elsewhere.example.org/b.mp3", got)
	_, err = store.ResolveURL(ctx, "https://cdn.example.com/media/b.mp3")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewAssetStoreFromEnvUnconfigured(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("MINIO_ACCESS_KEY", "")
	t.Setenv("MINIO_SECRET_KEY", "")
	t.Setenv("MINIO_BUCKET", "")
	store, err := NewAssetStoreFromEnv()
	require.NoError(t, err)
	assert.Nil(t, store)
}
