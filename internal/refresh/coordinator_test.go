package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routecache/internal/domain"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]domain.Route
	stale   map[string]bool
	readErr error
	writes  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]domain.Route), stale: make(map[string]bool)}
}

func (c *fakeCache) Read(ctx context.Context, key domain.RouteKey) ([]domain.Route, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, false, c.readErr
	}
	r, ok := c.entries[key.String()]
	return r, ok, nil
}

func (c *fakeCache) Write(ctx context.Context, key domain.RouteKey, routes []domain.Route) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = routes
	c.stale[key.String()] = false
	c.writes++
	return nil
}

func (c *fakeCache) IsStale(key domain.RouteKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stale[key.String()]
	return !ok || s
}

func (c *fakeCache) seed(key domain.RouteKey, routes []domain.Route, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = routes
	c.stale[key.String()] = stale
}

func (c *fakeCache) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *fakeCache) get(key domain.RouteKey) ([]domain.Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key.String()]
	return r, ok
}

type countingCompute struct {
	calls  atomic.Int32
	gate   chan struct{}
	routes []domain.Route
	err    error
}

func (c *countingCompute) fn(ctx context.Context) ([]domain.Route, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.routes, c.err
}

type fakeLocks struct {
	held     bool
	acquired atomic.Int32
	released atomic.Int32
}

func (l *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.acquired.Add(1)
	return func() { l.released.Add(1) }, nil
}

var (
	testKey    = domain.RouteKey{Chain: "1", Input: "A", Output: "C", MaxHops: 2}
	oldRoutes  = []domain.Route{{Input: domain.Token{ID: "A"}, Output: domain.Token{ID: "C"}, Pools: []*domain.Pool{{ID: "OLD"}}}}
	freshRoute = []domain.Route{{Input: domain.Token{ID: "A"}, Output: domain.Token{ID: "C"}, Pools: []*domain.Pool{{ID: "NEW"}}}}
)

func newTestCoordinator(t *testing.T, cache Cache, cfg Config) *Coordinator {
	t.Helper()
	c := New(cache, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Close)
	return c
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.InFlight(testKey) }, time.Second, 5*time.Millisecond)
}

func TestMissComputesOnceForConcurrentCallers(t *testing.T) {
	cache := newFakeCache()
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{gate: make(chan struct{}), routes: freshRoute}

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]domain.Route, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.GetOrRefresh(context.Background(), testKey, compute.fn)
		}(i)
	}

	require.Eventually(t, func() bool { return compute.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, coord.InFlight(testKey))
	time.Sleep(50 * time.Millisecond)
	close(compute.gate)
	wg.Wait()

	assert.Equal(t, int32(1), compute.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, freshRoute, results[i])
	}
	assert.Equal(t, 1, cache.writeCount())
	assert.False(t, coord.InFlight(testKey))
}

// pausedReadCache holds the first Read after it has observed the cache,
// so the caller acts on that result only after others have moved on.
type pausedReadCache struct {
	*fakeCache
	reads   atomic.Int32
	paused  chan struct{}
	release chan struct{}
}

func (c *pausedReadCache) Read(ctx context.Context, key domain.RouteKey) ([]domain.Route, bool, error) {
	routes, found, err := c.fakeCache.Read(ctx, key)
	if c.reads.Add(1) == 1 {
		close(c.paused)
		<-c.release
	}
	return routes, found, err
}

func TestMissObservedBeforeEarlierComputeFinishedDoesNotRecompute(t *testing.T) {
	cache := &pausedReadCache{
		fakeCache: newFakeCache(),
		paused:    make(chan struct{}),
		release:   make(chan struct{}),
	}
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{routes: freshRoute}

	late := make(chan []domain.Route, 1)
	go func() {
		routes, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
		assert.NoError(t, err)
		late <- routes
	}()
	<-cache.paused

	routes, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	assert.Equal(t, freshRoute, routes)
	require.Equal(t, 1, cache.writeCount())

	close(cache.release)
	select {
	case routes := <-late:
		assert.Equal(t, freshRoute, routes)
	case <-time.After(time.Second):
		t.Fatal("paused caller did not return")
	}

	assert.Equal(t, int32(1), compute.calls.Load())
	assert.Equal(t, 1, cache.writeCount())
}

func TestFreshHitDoesNotCompute(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, false)
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{routes: freshRoute}

	got, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	assert.Equal(t, oldRoutes, got)
	assert.Equal(t, int32(0), compute.calls.Load())
}

func TestStaleHitServesCachedAndRefreshesOnce(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, true)
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{gate: make(chan struct{}), routes: freshRoute}

	for i := 0; i < 5; i++ {
		got, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
		require.NoError(t, err)
		assert.Equal(t, oldRoutes, got)
	}

	close(compute.gate)
	waitIdle(t, coord)

	assert.Equal(t, int32(1), compute.calls.Load())
	got, _ := cache.get(testKey)
	assert.Equal(t, freshRoute, got)

	got, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	assert.Equal(t, freshRoute, got)
	assert.Equal(t, int32(1), compute.calls.Load())
}

func TestBackgroundFailurePreservesEntry(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, true)
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{err: errors.New("searcher timed out")}

	_, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return compute.calls.Load() == 1 }, time.Second, time.Millisecond)
	waitIdle(t, coord)

	got, ok := cache.get(testKey)
	require.True(t, ok)
	assert.Equal(t, oldRoutes, got)
	assert.Equal(t, 0, cache.writeCount())

	// The entry is still stale, so the next read retries.
	_, err = coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return compute.calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestBackgroundEmptyResultOverwrites(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, true)
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{}

	_, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cache.writeCount() == 1 }, time.Second, time.Millisecond)

	got, ok := cache.get(testKey)
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestSyncComputeFailure(t *testing.T) {
	cache := newFakeCache()
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{gate: make(chan struct{}), err: errors.New("boom")}

	leaderErr := make(chan error, 1)
	go func() {
		_, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return compute.calls.Load() == 1 }, time.Second, time.Millisecond)

	followerErr := make(chan error, 1)
	go func() {
		_, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
		followerErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(compute.gate)

	err := <-leaderErr
	assert.ErrorIs(t, err, domain.ErrComputeFailure)
	assert.Contains(t, err.Error(), "boom")

	assert.ErrorIs(t, <-followerErr, domain.ErrNoRouteFound)
	assert.Equal(t, int32(1), compute.calls.Load())
	_, ok := cache.get(testKey)
	assert.False(t, ok)
}

func TestCallerCancellationDoesNotAbortCompute(t *testing.T) {
	cache := newFakeCache()
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{gate: make(chan struct{}), routes: freshRoute}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coord.GetOrRefresh(ctx, testKey, compute.fn)
	require.ErrorIs(t, err, domain.ErrComputeFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(compute.gate)
	require.Eventually(t, func() bool {
		_, ok := cache.get(testKey)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestComputeTimeout(t *testing.T) {
	cache := newFakeCache()
	coord := newTestCoordinator(t, cache, Config{ComputeTimeout: 20 * time.Millisecond})
	compute := &countingCompute{gate: make(chan struct{})}
	defer close(compute.gate)

	_, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.ErrorIs(t, err, domain.ErrComputeFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadErrorIsTreatedAsMiss(t *testing.T) {
	cache := newFakeCache()
	cache.readErr = errors.New("redis unavailable")
	coord := newTestCoordinator(t, cache, Config{})
	compute := &countingCompute{routes: freshRoute}

	got, err := coord.GetOrRefresh(context.Background(), testKey, compute.fn)
	require.NoError(t, err)
	assert.Equal(t, freshRoute, got)
	assert.Equal(t, int32(1), compute.calls.Load())
}

func TestRefreshSkippedWhileLockHeldElsewhere(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, true)
	locks := &fakeLocks{held: true}
	coord := newTestCoordinator(t, cache, Config{Locks: locks})
	compute := &countingCompute{routes: freshRoute}

	require.True(t, coord.Schedule(testKey, compute.fn))
	waitIdle(t, coord)

	assert.Equal(t, int32(0), compute.calls.Load())
	got, _ := cache.get(testKey)
	assert.Equal(t, oldRoutes, got)
}

func TestRefreshHoldsLock(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, true)
	locks := &fakeLocks{}
	coord := newTestCoordinator(t, cache, Config{Locks: locks})
	compute := &countingCompute{routes: freshRoute}

	require.True(t, coord.Schedule(testKey, compute.fn))
	require.Eventually(t, func() bool { return locks.released.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, int32(1), locks.acquired.Load())
	assert.Equal(t, int32(1), compute.calls.Load())
}

func TestScheduleDedupesAndSkipsFreshEntries(t *testing.T) {
	cache := newFakeCache()
	cache.seed(testKey, oldRoutes, false)
	coord := newTestCoordinator(t, cache, Config{Workers: 1})
	compute := &countingCompute{routes: freshRoute}

	// A fresh entry is left alone by the worker.
	require.True(t, coord.Schedule(testKey, compute.fn))
	waitIdle(t, coord)
	assert.Equal(t, int32(0), compute.calls.Load())

	cache.seed(testKey, oldRoutes, true)
	gate := &countingCompute{gate: make(chan struct{}), routes: freshRoute}
	require.True(t, coord.Schedule(testKey, gate.fn))
	assert.False(t, coord.Schedule(testKey, gate.fn), "already queued or running")
	close(gate.gate)
	waitIdle(t, coord)
	assert.Equal(t, int32(1), gate.calls.Load())
}

func TestScheduleAfterCloseIsRejected(t *testing.T) {
	coord := New(newFakeCache(), Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	coord.Close()

	compute := &countingCompute{}
	assert.False(t, coord.Schedule(testKey, compute.fn))
}

func TestScheduleQueueFull(t *testing.T) {
	cache := newFakeCache()
	coord := newTestCoordinator(t, cache, Config{Workers: 1, QueueSize: 1})
	blocker := &countingCompute{gate: make(chan struct{})}
	defer close(blocker.gate)

	keyA := domain.RouteKey{Chain: "1", Input: "A", Output: "B", MaxHops: 1}
	keyB := domain.RouteKey{Chain: "1", Input: "A", Output: "C", MaxHops: 1}
	keyC := domain.RouteKey{Chain: "1", Input: "A", Output: "D", MaxHops: 1}

	require.True(t, coord.Schedule(keyA, blocker.fn))
	require.Eventually(t, func() bool { return blocker.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.True(t, coord.Schedule(keyB, blocker.fn))
	assert.False(t, coord.Schedule(keyC, blocker.fn))
	assert.False(t, coord.InFlight(keyC))
}
