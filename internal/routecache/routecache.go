// Package routecache stores candidate route sets in the shared store and
// tracks their logical freshness out of band.
//
// Stored routes reference pools by id only. On every read each route is
// rebuilt against the live pool registry; a route with any pool that no
// longer resolves is dropped from the result rather than returned partially.
package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/metrics"
)

// DefaultTTL is the logical freshness window of a written entry.
const DefaultTTL = 10 * time.Minute

// Resolver looks up live pools and tokens. *registry.PoolRegistry satisfies it.
type Resolver interface {
	Pool(chain, id string) (*domain.Pool, bool)
	Token(chain, id string) (domain.Token, bool)
}

// RouteCache reads and writes serialized route sets.
type RouteCache struct {
	store    domain.RouteStore
	resolver Resolver
	expiry   *ExpirationTable
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a RouteCache. A non-positive ttl means DefaultTTL.
func New(store domain.RouteStore, resolver Resolver, expiry *ExpirationTable, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *RouteCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if expiry == nil {
		expiry = NewExpirationTable(nil)
	}
	return &RouteCache{
		store:    store,
		resolver: resolver,
		expiry:   expiry,
		ttl:      ttl,
		metrics:  m,
		logger:   logger.With(slog.String("component", "route_cache")),
	}
}

// Read returns the resolved routes for key. found is false when the store has
// no entry or the entry cannot be decoded; a present entry whose routes all
// fail to resolve is found with an empty slice.
func (c *RouteCache) Read(ctx context.Context, key domain.RouteKey) (routes []domain.Route, found bool, err error) {
	data, err := c.store.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("routecache: read %s: %w", key, err)
	}

	stored, err := Decode(data)
	if err != nil {
		c.logger.WarnContext(ctx, "discarding undecodable cache entry",
			slog.String("kind", "data_integrity"),
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}

	routes, dropped := c.resolve(key.Chain, stored)
	if dropped > 0 {
		c.metrics.DroppedRoutes(key.Chain, dropped)
		// Let the next lookup repair the entry in the background.
		c.expiry.Expire(key.String())
		c.logger.DebugContext(ctx, "dropped unresolvable cached routes",
			slog.String("key", key.String()),
			slog.Int("dropped", dropped),
			slog.Int("kept", len(routes)),
		)
	}
	return routes, true, nil
}

// Write overwrites the entry for key and resets its expiration. The
// expiration only moves once the store accepted the write.
func (c *RouteCache) Write(ctx context.Context, key domain.RouteKey, routes []domain.Route) error {
	data, err := Encode(routes)
	if err != nil {
		return fmt.Errorf("routecache: encode %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key.String(), data); err != nil {
		return fmt.Errorf("routecache: write %s: %w", key, err)
	}
	c.expiry.Touch(key.String(), c.ttl)
	c.metrics.CacheWrite(key.Chain)
	return nil
}

// IsStale reports whether the entry for key is past its logical expiration,
// or has none recorded in this process.
func (c *RouteCache) IsStale(key domain.RouteKey) bool {
	return c.expiry.IsStale(key.String())
}

func (c *RouteCache) resolve(chain string, stored []domain.StoredRoute) ([]domain.Route, int) {
	routes := make([]domain.Route, 0, len(stored))
	dropped := 0
	for _, sr := range stored {
		r, ok := c.resolveOne(chain, sr)
		if !ok {
			dropped++
			continue
		}
		routes = append(routes, r)
	}
	return routes, dropped
}

func (c *RouteCache) resolveOne(chain string, sr domain.StoredRoute) (domain.Route, bool) {
	in, ok := c.resolver.Token(chain, sr.Input)
	if !ok {
		return domain.Route{}, false
	}
	out, ok := c.resolver.Token(chain, sr.Output)
	if !ok {
		return domain.Route{}, false
	}
	pools := make([]*domain.Pool, 0, len(sr.Pools))
	for _, id := range sr.Pools {
		p, ok := c.resolver.Pool(chain, id)
		if !ok {
			return domain.Route{}, false
		}
		pools = append(pools, p)
	}
	r := domain.Route{Input: in, Output: out, Pools: pools}
	// A replaced pool may have changed its token pair.
	if !r.Connected() {
		return domain.Route{}, false
	}
	return r, true
}

// Encode serializes routes as a JSON list of pool-id sequences.
func Encode(routes []domain.Route) ([]byte, error) {
	stored := make([]domain.StoredRoute, len(routes))
	for i, r := range routes {
		stored[i] = domain.StoredRoute{
			Pools:  r.PoolIDs(),
			Input:  r.Input.ID,
			Output: r.Output.ID,
		}
	}
	return json.Marshal(stored)
}

// Decode parses the output of Encode.
func Decode(data []byte) ([]domain.StoredRoute, error) {
	var stored []domain.StoredRoute
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return stored, nil
}
