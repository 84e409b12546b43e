// Package app provides the top-level application lifecycle of the route cache
// service. It wires the backing stores, builds the pool registry, route cache,
// refresh coordinator and search worker, and runs the update listener and the
// HTTP server until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/routecache/internal/config"
	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/feed"
	"github.com/alanyoungcy/routecache/internal/notify"
	"github.com/alanyoungcy/routecache/internal/refresh"
	"github.com/alanyoungcy/routecache/internal/registry"
	"github.com/alanyoungcy/routecache/internal/routecache"
	"github.com/alanyoungcy/routecache/internal/search"
	"github.com/alanyoungcy/routecache/internal/server"
	"github.com/alanyoungcy/routecache/internal/server/handler"
	"github.com/alanyoungcy/routecache/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Components are the long-lived parts built on top of Dependencies.
type Components struct {
	Registry *registry.PoolRegistry
	Listener *registry.UpdateListener
	// Feed is nil unless pool_source.updates_ws_url is set.
	Feed        *feed.WSUpdateFeed
	Cache       *routecache.RouteCache
	Coordinator *refresh.Coordinator
	Searcher    *search.Worker
	Routes      *service.RouteService
}

// Build assembles the route cache components from deps. The caller owns the
// returned coordinator and must Close it.
func Build(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Components {
	reg := registry.New(deps.PoolSource, registry.Config{
		BootstrapTimeout: cfg.PoolSource.BootstrapTimeout.Duration,
		OnBootstrapFailure: func(ctx context.Context, chain string, err error) {
			deps.Notifier.Async(ctx, notify.EventBootstrapFailed, chain, err.Error())
		},
	}, deps.Metrics, logger)

	cache := routecache.New(
		deps.RouteStore,
		reg,
		routecache.NewExpirationTable(nil),
		cfg.Cache.TTL.Duration,
		deps.Metrics,
		logger,
	)

	var locks domain.LockManager
	if cfg.Refresh.DistributedLock {
		locks = deps.LockManager
	}
	coord := refresh.New(cache, refresh.Config{
		ComputeTimeout: cfg.Refresh.ComputeTimeout.Duration,
		Workers:        cfg.Refresh.Workers,
		QueueSize:      cfg.Refresh.QueueSize,
		Locks:          locks,
		LockTTL:        cfg.Refresh.LockTTL.Duration,
	}, deps.Metrics, logger)

	worker := search.NewWorker(search.DFS{}, search.Config{
		MaxHops:   cfg.Search.MaxHops,
		MaxRoutes: cfg.Search.MaxRoutes,
		Workers:   cfg.Search.Workers,
		Timeout:   cfg.Search.Timeout.Duration,
	}, logger)

	var wsFeed *feed.WSUpdateFeed
	if cfg.PoolSource.UpdatesWSURL != "" {
		wsFeed = feed.NewWSUpdateFeed(feed.Config{
			URL:    cfg.PoolSource.UpdatesWSURL,
			Chains: cfg.Chains,
			OnDisconnect: func(ctx context.Context, err error) {
				deps.Notifier.Async(ctx, notify.EventFeedDisconnected, cfg.PoolSource.UpdatesWSURL, err.Error())
			},
		}, reg, logger)
	}

	return &Components{
		Registry:    reg,
		Feed:        wsFeed,
		Listener:    registry.NewUpdateListener(deps.SignalBus, reg, deps.Metrics, logger),
		Cache:       cache,
		Coordinator: coord,
		Searcher:    worker,
		Routes:      service.NewRouteService(reg, coord, worker, worker.MaxHops(), cfg.Search.MaxRoutes, logger),
	}
}

// Run is the main entry point. It wires all dependencies, starts the update
// listener and the HTTP server, and blocks until the context is cancelled. On
// return it runs all registered cleanup functions via Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("pool_source", a.cfg.PoolSource.Kind),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	comps := Build(a.cfg, deps, a.logger)
	a.closers = append(a.closers, comps.Coordinator.Close)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return comps.Listener.Run(ctx)
	})

	if comps.Feed != nil {
		g.Go(func() error {
			return comps.Feed.Run(ctx)
		})
	}

	// Warm configured chains so the first query does not pay the bootstrap.
	for _, chain := range a.cfg.Chains {
		g.Go(func() error {
			if _, err := comps.Registry.Get(ctx, chain); err != nil {
				a.logger.WarnContext(ctx, "chain warm-up failed, will retry on first query",
					slog.String("chain", chain),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, comps)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startHTTPServer adds the HTTP server and its shutdown watcher to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, comps *Components) {
	srv := server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Redis, comps.Registry, a.logger),
		Routes:  handler.NewRouteHandler(comps.Routes, comps.Searcher.MaxHops(), a.logger),
		Metrics: deps.Metrics.Handler(),
	}, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
