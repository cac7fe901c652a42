package usercache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eattestation/authclient/api"
	"github.com/eattestation/authclient/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCacheTest() (*Cache, *store.Memory, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	kv := store.NewMemory()
	return New(kv, Config{Now: clock.Now}), kv, clock
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCacheTest()

	c.Store(ctx, &api.User{ID: "u1", Email: "a@b.com"})
	u := c.Get(ctx)
	require.NotNil(t, u)
	require.Equal(t, "u1", u.ID)
	require.True(t, c.IsValid(ctx))
}

func TestTTLBoundary(t *testing.T) {
	ctx := context.Background()
	c, kv, clock := newCacheTest()

	c.Store(ctx, &api.User{ID: "u1", Email: "a@b.com"})
	clock.Advance(4*time.Minute + 59*time.Second)
	require.NotNil(t, c.Get(ctx))

	clock.Advance(2 * time.Second)
	require.Nil(t, c.Get(ctx))

	_, found, err := kv.Get(ctx, store.KeyUserCache)
	require.NoError(t, err)
	require.False(t, found, "stale entry must be purged")
	require.Equal(t, uint64(1), c.Counters().Evicted)
}

func TestStoreWithoutIDWarns(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	kv := store.NewMemory()
	c := New(kv, Config{Logger: zap.New(core)})

	c.Store(ctx, &api.User{Email: "a@b.com"})
	c.Store(ctx, nil)

	require.Equal(t, 0, kv.Len())
	require.Equal(t, 2, logs.Len())
}

func TestMalformedEntriesArePurged(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{
		"not json",
		`{"user":null,"timestamp":1,"version":1}`,
		`{"user":{"id":"u1","email":"a@b.com"},"timestamp":1700000000000,"version":99}`,
		`{"user":{"email":"a@b.com"},"timestamp":1700000000000,"version":1}`,
	} {
		c, kv, _ := newCacheTest()
		require.NoError(t, kv.Set(ctx, store.KeyUserCache, raw))

		require.Nil(t, c.Get(ctx), raw)
		require.Equal(t, 0, kv.Len(), raw)
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newCacheTest()

	require.False(t, c.Touch(ctx))

	c.Store(ctx, &api.User{ID: "u1", Email: "a@b.com"})
	clock.Advance(4 * time.Minute)
	require.True(t, c.Touch(ctx))

	clock.Advance(4 * time.Minute)
	require.NotNil(t, c.Get(ctx))
}

func TestStatsHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	c, kv, clock := newCacheTest()

	require.Equal(t, Stats{}, c.Stats(ctx))

	c.Store(ctx, &api.User{ID: "u1", Email: "a@b.com"})
	clock.Advance(time.Minute)
	s := c.Stats(ctx)
	require.True(t, s.Exists)
	require.True(t, s.HasUser)
	require.True(t, s.IsValid)
	require.Equal(t, time.Minute, s.Age)
	require.Equal(t, 4*time.Minute, s.ExpiresIn)
	require.Positive(t, s.CacheSize)

	clock.Advance(10 * time.Minute)
	s = c.Stats(ctx)
	require.True(t, s.Exists)
	require.False(t, s.IsValid)
	require.Zero(t, s.ExpiresIn)
	require.Equal(t, 1, kv.Len(), "stats must not purge")
}
