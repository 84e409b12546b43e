// Package refresh decides when cached route sets are recomputed.
//
// A miss recomputes synchronously, shared by every concurrent caller of the
// same key. A stale hit is served immediately and queues one background
// refresh for the key. Both guarantees hold within one process only: the
// in-flight set lives in memory, so separate instances can recompute the same
// key at the same time unless the optional distributed lock is enabled.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/metrics"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultComputeTimeout = 20 * time.Second
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultLockTTL        = time.Minute
)

// ComputeFunc produces a fresh route set for one key.
type ComputeFunc func(ctx context.Context) ([]domain.Route, error)

// Cache is the subset of routecache.RouteCache the coordinator needs.
type Cache interface {
	Read(ctx context.Context, key domain.RouteKey) ([]domain.Route, bool, error)
	Write(ctx context.Context, key domain.RouteKey, routes []domain.Route) error
	IsStale(key domain.RouteKey) bool
}

// Config tunes a Coordinator.
type Config struct {
	// ComputeTimeout bounds every compute, synchronous or background.
	ComputeTimeout time.Duration
	// Workers is the number of background refresh goroutines.
	Workers int
	// QueueSize bounds pending background refreshes; beyond it refreshes
	// are skipped until a later stale read.
	QueueSize int
	// Locks, when set, is consulted before every background refresh so only
	// one instance refreshes a key at a time.
	Locks   domain.LockManager
	LockTTL time.Duration
}

type refreshJob struct {
	key     domain.RouteKey
	compute ComputeFunc
}

// Coordinator owns the in-flight set and the background refresh queue. It is
// created at service start and stopped with Close.
type Coordinator struct {
	cache   Cache
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	group    singleflight.Group
	inflight sync.Map // key string -> struct{}

	queue  chan refreshJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator and starts its background workers.
func New(cache Cache, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = DefaultComputeTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "refresh_coordinator")),
		queue:   make(chan refreshJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// GetOrRefresh returns the routes for key.
//
//   - absent: compute synchronously, store, return the fresh result;
//   - present but stale: return the cached routes and queue a refresh;
//   - present and fresh: return the cached routes.
//
// A store read error is treated as a miss so the caller still gets routes.
func (c *Coordinator) GetOrRefresh(ctx context.Context, key domain.RouteKey, compute ComputeFunc) ([]domain.Route, error) {
	routes, found, err := c.cache.Read(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed, recomputing",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		found = false
	}

	if found {
		if c.cache.IsStale(key) {
			c.metrics.CacheLookup(key.Chain, metrics.LookupStale)
			c.Schedule(key, compute)
		} else {
			c.metrics.CacheLookup(key.Chain, metrics.LookupHit)
		}
		return routes, nil
	}

	c.metrics.CacheLookup(key.Chain, metrics.LookupMiss)
	return c.computeSync(ctx, key, compute)
}

// computeSync runs one shared computation per key. Only the caller whose
// function actually ran sees a compute error; callers that joined it re-read
// the cache and report ErrNoRouteFound if it is still empty.
func (c *Coordinator) computeSync(ctx context.Context, key domain.RouteKey, compute ComputeFunc) ([]domain.Route, error) {
	var leader bool
	ch := c.group.DoChan(key.String(), func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		// A previous flight may have stored the entry after this caller
		// read the miss.
		if routes, found, err := c.cache.Read(flightCtx, key); err == nil && found && !c.cache.IsStale(key) {
			return routes, nil
		}
		leader = true
		return c.run(flightCtx, key, compute, metrics.ModeSync)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrComputeFailure, key, ctx.Err())
	case res = <-ch:
	}

	if res.Err == nil {
		return res.Val.([]domain.Route), nil
	}
	if leader {
		return nil, res.Err
	}

	routes, found, err := c.cache.Read(ctx, key)
	if err == nil && found {
		return routes, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNoRouteFound, key)
}

// run computes and stores routes for key, marking it in flight meanwhile.
// A write failure is logged; the computed routes are still returned.
func (c *Coordinator) run(ctx context.Context, key domain.RouteKey, compute ComputeFunc, mode string) ([]domain.Route, error) {
	k := key.String()
	if _, loaded := c.inflight.LoadOrStore(k, struct{}{}); !loaded {
		defer c.inflight.Delete(k)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ComputeTimeout)
	defer cancel()

	start := time.Now()
	routes, err := compute(ctx)
	if err != nil {
		c.metrics.Compute(key.Chain, mode, metrics.ResultError)
		if !errors.Is(err, domain.ErrComputeFailure) {
			err = fmt.Errorf("%w: %s: %w", domain.ErrComputeFailure, key, err)
		}
		return nil, err
	}
	c.metrics.Compute(key.Chain, mode, metrics.ResultOK)

	if err := c.cache.Write(ctx, key, routes); err != nil {
		c.logger.WarnContext(ctx, "route cache write failed",
			slog.String("key", k),
			slog.String("error", err.Error()),
		)
	}
	c.logger.DebugContext(ctx, "routes computed",
		slog.String("key", k),
		slog.String("mode", mode),
		slog.Int("routes", len(routes)),
		slog.Duration("duration", time.Since(start)),
	)
	if routes == nil {
		routes = []domain.Route{}
	}
	return routes, nil
}

// InFlight reports whether key is queued or being recomputed in this process.
func (c *Coordinator) InFlight(key domain.RouteKey) bool {
	_, ok := c.inflight.Load(key.String())
	return ok
}

// Schedule queues a background refresh of key unless one is already queued
// or running. It never blocks.
func (c *Coordinator) Schedule(key domain.RouteKey, compute ComputeFunc) bool {
	if c.ctx.Err() != nil {
		return false
	}
	k := key.String()
	if _, loaded := c.inflight.LoadOrStore(k, struct{}{}); loaded {
		return false
	}
	select {
	case c.queue <- refreshJob{key: key, compute: compute}:
		return true
	default:
		c.inflight.Delete(k)
		c.metrics.Compute(key.Chain, metrics.ModeBackground, metrics.ResultSkipped)
		c.logger.Warn("refresh queue full, skipping", slog.String("key", k))
		return false
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.queue:
			c.refresh(job)
		}
	}
}

func (c *Coordinator) refresh(job refreshJob) {
	k := job.key.String()
	defer c.inflight.Delete(k)

	// A synchronous compute may have refreshed the entry while queued.
	if !c.cache.IsStale(job.key) {
		c.metrics.Compute(job.key.Chain, metrics.ModeBackground, metrics.ResultSkipped)
		return
	}

	if c.cfg.Locks != nil {
		unlock, err := c.cfg.Locks.Acquire(c.ctx, "refresh:"+k, c.cfg.LockTTL)
		if err != nil {
			c.metrics.Compute(job.key.Chain, metrics.ModeBackground, metrics.ResultSkipped)
			if !errors.Is(err, domain.ErrLockHeld) {
				c.logger.Warn("refresh lock failed",
					slog.String("key", k),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		defer unlock()
	}

	_, err, _ := c.group.Do(k, func() (any, error) {
		return c.run(c.ctx, job.key, job.compute, metrics.ModeBackground)
	})
	if err != nil {
		// The previous entry stays in place and keeps being served.
		c.logger.Warn("background refresh failed",
			slog.String("key", k),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops accepting refreshes, cancels running ones and waits for the
// workers to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
