// Package service composes the pool registry, route cache, refresh
// coordinator and search worker into the public route query.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/refresh"
)

// Registry is the subset of registry.PoolRegistry the service needs.
type Registry interface {
	Get(ctx context.Context, chain string) (map[string]*domain.Pool, error)
	LiquidPools(ctx context.Context, chain string) ([]*domain.Pool, error)
	Token(chain, id string) (domain.Token, bool)
}

// Searcher runs route search in isolation. *search.Worker satisfies it.
type Searcher interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.Route, error)
}

// RouteService answers route queries.
type RouteService struct {
	registry  Registry
	coord     *refresh.Coordinator
	searcher  Searcher
	maxHops   int
	maxRoutes int
	logger    *slog.Logger
}

// NewRouteService creates a RouteService. maxHops is the hop ceiling applied
// to every query; maxRoutes caps each search.
func NewRouteService(
	registry Registry,
	coord *refresh.Coordinator,
	searcher Searcher,
	maxHops, maxRoutes int,
	logger *slog.Logger,
) *RouteService {
	return &RouteService{
		registry:  registry,
		coord:     coord,
		searcher:  searcher,
		maxHops:   maxHops,
		maxRoutes: maxRoutes,
		logger:    logger.With(slog.String("component", "route_service")),
	}
}

// GetRoutes returns the candidate routes from inputID to outputID on chain.
//
// Errors match one of domain.ErrBootstrap, domain.ErrInvalidTokenPair,
// domain.ErrNoRouteFound or domain.ErrComputeFailure.
func (s *RouteService) GetRoutes(ctx context.Context, chain, inputID, outputID string, maxHops int) ([]domain.Route, error) {
	if _, err := s.registry.Get(ctx, chain); err != nil {
		if errors.Is(err, domain.ErrBootstrap) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrBootstrap, err)
	}

	in, ok := s.registry.Token(chain, inputID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown input token %q on %s", domain.ErrInvalidTokenPair, inputID, chain)
	}
	out, ok := s.registry.Token(chain, outputID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown output token %q on %s", domain.ErrInvalidTokenPair, outputID, chain)
	}
	if in.Equal(out) {
		return nil, fmt.Errorf("%w: input and output are both %s", domain.ErrInvalidTokenPair, in.ID)
	}

	key := domain.RouteKey{
		Chain:   chain,
		Input:   in.ID,
		Output:  out.ID,
		MaxHops: s.clampHops(maxHops),
	}

	routes, err := s.coord.GetOrRefresh(ctx, key, s.computeFunc(key, in, out))
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoRouteFound, key)
	}
	return routes, nil
}

// computeFunc reads the liquid pools at compute time, so a refresh always
// searches the registry as it is when the refresh runs.
func (s *RouteService) computeFunc(key domain.RouteKey, in, out domain.Token) refresh.ComputeFunc {
	return func(ctx context.Context) ([]domain.Route, error) {
		pools, err := s.registry.LiquidPools(ctx, key.Chain)
		if err != nil {
			return nil, err
		}
		return s.searcher.Search(ctx, domain.SearchRequest{
			Input:     in,
			Output:    out,
			Pools:     pools,
			MaxHops:   key.MaxHops,
			MaxRoutes: s.maxRoutes,
		})
	}
}

func (s *RouteService) clampHops(n int) int {
	if n < 1 {
		return 1
	}
	if s.maxHops > 0 && n > s.maxHops {
		return s.maxHops
	}
	return n
}
