package search

import (
	"context"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// DFS enumerates simple paths through the pool graph, shortest first. A pool
// appears at most once per path. It is the default RouteSearcher; it does not
// price or rank routes.
type DFS struct{}

// Search implements domain.RouteSearcher.
func (DFS) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Route, error) {
	if req.Input.Equal(req.Output) || req.MaxHops <= 0 {
		return nil, nil
	}

	byToken := make(map[string][]*domain.Pool)
	for _, p := range req.Pools {
		byToken[p.TokenA.ID] = append(byToken[p.TokenA.ID], p)
		byToken[p.TokenB.ID] = append(byToken[p.TokenB.ID], p)
	}

	var routes []domain.Route
	used := make(map[string]bool)
	path := make([]*domain.Pool, 0, req.MaxHops)

	full := func() bool {
		return req.MaxRoutes > 0 && len(routes) >= req.MaxRoutes
	}

	var walk func(token string, depth int) error
	walk = func(token string, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(path) == depth {
			if token == req.Output.ID {
				routes = append(routes, domain.Route{
					Input:  req.Input,
					Output: req.Output,
					Pools:  append([]*domain.Pool(nil), path...),
				})
			}
			return nil
		}
		// Paths may not pass through the output before their last hop.
		if len(path) > 0 && token == req.Output.ID {
			return nil
		}
		for _, p := range byToken[token] {
			if used[p.ID] || full() {
				continue
			}
			next, _ := p.Other(token)
			used[p.ID] = true
			path = append(path, p)
			err := walk(next.ID, depth)
			path = path[:len(path)-1]
			used[p.ID] = false
			if err != nil {
				return err
			}
		}
		return nil
	}

	for depth := 1; depth <= req.MaxHops && !full(); depth++ {
		if err := walk(req.Input.ID, depth); err != nil {
			return nil, err
		}
	}
	return routes, nil
}
