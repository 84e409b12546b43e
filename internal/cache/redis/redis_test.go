package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routecache/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "rc:")
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClientPing(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))
	assert.NotNil(t, c.Underlying())
}

func TestRouteStoreGetSet(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewRouteStore(c)
	ctx := context.Background()

	_, err := store.Get(ctx, "routes_1-a-b-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Set(ctx, "routes_1-a-b-2", []byte(`[{"pools":["p1"]}]`)))
	got, err := store.Get(ctx, "routes_1-a-b-2")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"pools":["p1"]}]`, string(got))

	assert.True(t, mr.Exists("rc:routes_1-a-b-2"))
	assert.Zero(t, mr.TTL("rc:routes_1-a-b-2"))
}

func TestRouteStoreSetOverwritesAndClearsTTL(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewRouteStore(c)
	ctx := context.Background()

	require.NoError(t, mr.Set("rc:k", "old"))
	mr.SetTTL("rc:k", time.Minute)

	require.NoError(t, store.Set(ctx, "k", []byte("new")))
	v, err := mr.Get("rc:k")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Zero(t, mr.TTL("rc:k"))
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	locks := NewLockManager(c)
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "refresh:k", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("rc:lock:refresh:k"))

	_, err = locks.Acquire(ctx, "refresh:k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("rc:lock:refresh:k"))

	unlock2, err := locks.Acquire(ctx, "refresh:k", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockManagerExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	c, mr := newTestClient(t)
	locks := NewLockManager(c)
	ctx := context.Background()

	unlockOld, err := locks.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = locks.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	unlockOld()
	assert.True(t, mr.Exists("rc:lock:k"))
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	fixed := time.UnixMilli(1_700_000_000_000)
	rl.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:10.0.0.1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "api:10.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other clients have their own counter.
	ok, err = rl.Allow(ctx, "api:10.0.0.2", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The next window starts from zero.
	fixed = fixed.Add(time.Second)
	ok, err = rl.Allow(ctx, "api:10.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterSetsWindowExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)
	rl.now = func() time.Time { return time.UnixMilli(5_000) }

	_, err := rl.Allow(context.Background(), "k", 10, time.Second)
	require.NoError(t, err)

	key := "rc:ratelimit:k:5"
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Second, mr.TTL(key))
}

func TestPoolUpdateBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewPoolUpdateBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.PoolUpdatedTopic)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.PoolUpdatedTopic, []byte("one")))
	require.NoError(t, bus.Publish(ctx, domain.PoolUpdatedTopic, []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-ch:
			assert.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolUpdateBusPublishUpdate(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewPoolUpdateBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.PoolUpdatedTopic)
	require.NoError(t, err)

	update := domain.PoolUpdate{Chain: "1", Pool: json.RawMessage(`{"id":"P1"}`)}
	require.NoError(t, bus.PublishUpdate(ctx, update))

	select {
	case got := <-ch:
		var decoded domain.PoolUpdate
		require.NoError(t, json.Unmarshal(got, &decoded))
		assert.Equal(t, "1", decoded.Chain)
		assert.JSONEq(t, `{"id":"P1"}`, string(decoded.Pool))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	assert.Error(t, bus.PublishUpdate(ctx, domain.PoolUpdate{Pool: json.RawMessage(`{}`)}))
}

func TestPoolUpdateBusSubscribeFailsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: addr, MaxRetries: -1}), "rc:")
	defer c.Close()
	bus := NewPoolUpdateBus(c)

	_, err = bus.Subscribe(context.Background(), domain.PoolUpdatedTopic)
	assert.ErrorContains(t, err, "redis: subscribe "+domain.PoolUpdatedTopic)
}
