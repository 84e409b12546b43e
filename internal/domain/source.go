package domain

import (
	"context"
	"encoding/json"
)

// PoolUpdatedTopic is the broadcast channel carrying pool snapshots.
const PoolUpdatedTopic = "pool.instanceUpdated"

// PoolUpdate is the message published on PoolUpdatedTopic. Pool holds the
// JSON snapshot, either inline or as a base64 string.
type PoolUpdate struct {
	Chain string          `json:"chain"`
	Pool  json.RawMessage `json:"pool"`
}

// PoolSource returns the active pool set of a chain on demand.
type PoolSource interface {
	FetchActive(ctx context.Context, chain string) ([]*Pool, error)
}

// SearchRequest is the input handed to a RouteSearcher. Pools must not be
// mutated by the searcher.
type SearchRequest struct {
	Input     Token
	Output    Token
	Pools     []*Pool
	MaxHops   int
	MaxRoutes int
}

// RouteSearcher enumerates candidate routes for a token pair.
type RouteSearcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Route, error)
}
