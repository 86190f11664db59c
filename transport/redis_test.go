package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type presenceRecorder struct {
	mu        sync.Mutex
	snapshots []map[string][]byte
}

func (p *presenceRecorder) handle(members map[string][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, members)
}

func (p *presenceRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}

func (p *presenceRecorder) last() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return nil
	}
	return p.snapshots[len(p.snapshots)-1]
}

func newRedisTransport(t *testing.T, srv *miniredis.Miniredis, ttl time.Duration) (*Redis, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2})
	tr := NewRedis(client, RedisConfig{Prefix: "test", PresenceTTL: ttl})
	t.Cleanup(func() {
		_ = tr.Close()
		_ = client.Close()
	})
	return tr, client
}

func TestRedisRelaysPatchesBetweenInstances(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	a, _ := newRedisTransport(t, srv, time.Minute)
	b, _ := newRedisTransport(t, srv, time.Minute)

	var (
		mu  sync.Mutex
		got [][]byte
	)
	unsub, err := a.Subscribe(ctx, roomA, func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})
	require.NoError(t, err)

	other := Room{ProjectID: "proj", PageID: "page-2"}
	require.NoError(t, b.Publish(ctx, other, []byte(`{"id":"skip"}`)))
	require.NoError(t, b.Publish(ctx, roomA, []byte(`{"id":"p1"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []byte(`{"id":"p1"}`), got[0])
	mu.Unlock()

	unsub()
	require.NoError(t, b.Publish(ctx, roomA, []byte(`{"id":"p2"}`)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1, "no delivery after unsubscribe")
	mu.Unlock()
}

func TestRedisPresenceDropsStaleHeartbeats(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	tr, client := newRedisTransport(t, srv, 30*time.Second)

	require.NoError(t, tr.Track(ctx, roomA, "u1", []byte(`{"user_id":"u1"}`)))
	stale := time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, client.HSet(ctx, tr.membersKey(roomA), "ghost", `{"user_id":"ghost"}`).Err())
	require.NoError(t, client.ZAdd(ctx, tr.heartbeatKey(roomA), redis.Z{Score: float64(stale), Member: "ghost"}).Err())

	rec := &presenceRecorder{}
	unsub, err := tr.SubscribePresence(ctx, roomA, rec.handle)
	require.NoError(t, err)
	defer unsub()

	require.GreaterOrEqual(t, rec.count(), 1, "subscribing hands out the current membership")
	first := rec.last()
	assert.Contains(t, first, "u1")
	assert.NotContains(t, first, "ghost")
	assert.Equal(t, []byte(`{"user_id":"u1"}`), first["u1"])

	exists, err := client.HExists(ctx, tr.membersKey(roomA), "ghost").Result()
	require.NoError(t, err)
	assert.False(t, exists, "stale member removed from the hash")
	score := client.ZScore(ctx, tr.heartbeatKey(roomA), "ghost")
	assert.ErrorIs(t, score.Err(), redis.Nil)
}

func TestRedisPresenceExpiresSilentMembers(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	tr, _ := newRedisTransport(t, srv, 200*time.Millisecond)

	require.NoError(t, tr.Track(ctx, roomA, "u1", []byte(`{"user_id":"u1"}`)))
	rec := &presenceRecorder{}
	unsub, err := tr.SubscribePresence(ctx, roomA, rec.handle)
	require.NoError(t, err)
	defer unsub()
	require.Contains(t, rec.last(), "u1")

	require.Eventually(t, func() bool {
		last := rec.last()
		return last != nil && len(last) == 0
	}, 3*time.Second, 20*time.Millisecond, "periodic resync drops a member that stopped heartbeating")
}

func TestRedisPresenceFollowsTrackAndUntrack(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	watcher, _ := newRedisTransport(t, srv, time.Minute)
	peer, _ := newRedisTransport(t, srv, time.Minute)

	rec := &presenceRecorder{}
	unsub, err := watcher.SubscribePresence(ctx, roomA, rec.handle)
	require.NoError(t, err)
	defer unsub()
	assert.Empty(t, rec.last())

	require.NoError(t, peer.Track(ctx, roomA, "u2", []byte(`{"user_id":"u2"}`)))
	require.Eventually(t, func() bool {
		_, ok := rec.last()["u2"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, peer.Untrack(ctx, roomA, "u2"))
	require.Eventually(t, func() bool {
		return len(rec.last()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisClosed(t *testing.T) {
	srv := miniredis.RunT(t)
	tr, _ := newRedisTransport(t, srv, time.Minute)
	require.NoError(t, tr.Close())

	ctx := context.Background()
	assert.ErrorIs(t, tr.Publish(ctx, roomA, []byte("x")), ErrClosed)
	assert.ErrorIs(t, tr.Track(ctx, roomA, "u1", nil), ErrClosed)
	_, err := tr.Subscribe(ctx, roomA, func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}
