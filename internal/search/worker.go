// Package search runs route enumeration away from the serving path.
//
// Worker is the isolation boundary: a request goes in, routes or an error
// come out, and nothing the searcher does (panic, hang, error) can corrupt
// shared state or block cache readers.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// Defaults applied by NewWorker for zero Config fields.
const (
	DefaultMaxHops   = 3
	DefaultMaxRoutes = 1
	DefaultWorkers   = 4
	DefaultTimeout   = 15 * time.Second
)

// Config tunes a Worker.
type Config struct {
	// MaxHops is the hop ceiling; requests above it are clamped.
	MaxHops int
	// MaxRoutes caps the routes returned per search.
	MaxRoutes int
	// Workers bounds concurrently running searches.
	Workers int
	// Timeout bounds a single search.
	Timeout time.Duration
}

type result struct {
	routes []domain.Route
	err    error
}

// Worker executes a RouteSearcher on its own goroutines with bounded
// concurrency. A search that panics, errors or times out resolves as
// domain.ErrComputeFailure.
type Worker struct {
	searcher domain.RouteSearcher
	cfg      Config
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewWorker wraps searcher.
func NewWorker(searcher domain.RouteSearcher, cfg Config, logger *slog.Logger) *Worker {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.MaxRoutes <= 0 {
		cfg.MaxRoutes = DefaultMaxRoutes
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Worker{
		searcher: searcher,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		logger:   logger.With(slog.String("component", "search_worker")),
	}
}

// MaxHops returns the configured hop ceiling.
func (w *Worker) MaxHops() int { return w.cfg.MaxHops }

// Search runs one search. The request's pool slice is copied before handoff;
// the pools themselves are immutable snapshots.
func (w *Worker) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Route, error) {
	if req.MaxHops <= 0 || req.MaxHops > w.cfg.MaxHops {
		req.MaxHops = w.cfg.MaxHops
	}
	if req.MaxRoutes <= 0 || req.MaxRoutes > w.cfg.MaxRoutes {
		req.MaxRoutes = w.cfg.MaxRoutes
	}
	req.Pools = append([]*domain.Pool(nil), req.Pools...)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for search slot: %w", domain.ErrComputeFailure, err)
	}

	out := make(chan result, 1)
	go func() {
		// Held until the searcher returns, even after a timeout.
		defer w.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("route searcher panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				out <- result{err: fmt.Errorf("searcher panic: %v", r)}
			}
		}()
		routes, err := w.searcher.Search(ctx, req)
		out <- result{routes: routes, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s -> %s: %w", domain.ErrComputeFailure, req.Input.ID, req.Output.ID, ctx.Err())
	case res := <-out:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s -> %s: %w", domain.ErrComputeFailure, req.Input.ID, req.Output.ID, res.err)
		}
		if len(res.routes) > req.MaxRoutes {
			res.routes = res.routes[:req.MaxRoutes]
		}
		return res.routes, nil
	}
}
