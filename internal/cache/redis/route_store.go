package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RouteStore implements domain.RouteStore with plain Redis strings. Keys are
// written without a TTL; freshness is tracked by the caller.
type RouteStore struct {
	c *Client
}

// NewRouteStore creates a RouteStore backed by the given Client.
func NewRouteStore(c *Client) *RouteStore {
	return &RouteStore{c: c}
}

// Get returns the raw entry, or domain.ErrNotFound.
func (s *RouteStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.c.rdb.Get(ctx, s.c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get routes %s: %w", key, err)
	}
	return data, nil
}

// Set overwrites the entry unconditionally, clearing any TTL on the key.
func (s *RouteStore) Set(ctx context.Context, key string, data []byte) error {
	if err := s.c.rdb.Set(ctx, s.c.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set routes %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RouteStore = (*RouteStore)(nil)
