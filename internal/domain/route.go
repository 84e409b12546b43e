package domain

import "fmt"

// Route is an ordered path of pools from Input to Output. Adjacent pools
// share a token.
type Route struct {
	Input  Token
	Output Token
	Pools  []*Pool
}

// Hops returns the number of pool traversals in the route.
func (r Route) Hops() int {
	return len(r.Pools)
}

// PoolIDs returns the pool identifiers in path order.
func (r Route) PoolIDs() []string {
	ids := make([]string, len(r.Pools))
	for i, p := range r.Pools {
		ids[i] = p.ID
	}
	return ids
}

// Connected reports whether the pools form a path from Input to Output.
func (r Route) Connected() bool {
	if len(r.Pools) == 0 {
		return false
	}
	cur := r.Input.ID
	for _, p := range r.Pools {
		next, ok := p.Other(cur)
		if !ok {
			return false
		}
		cur = next.ID
	}
	return cur == r.Output.ID
}

// StoredRoute is the serialized form of a Route kept in the shared store.
// Pools are referenced by id and re-resolved against the live registry.
type StoredRoute struct {
	Pools  []string `json:"pools"`
	Input  string   `json:"input"`
	Output string   `json:"output"`
}

// RouteKey identifies one cached route set.
type RouteKey struct {
	Chain   string
	Input   string
	Output  string
	MaxHops int
}

// String renders the shared-store key, routes_{chain}-{in}-{out}-{maxHops}.
func (k RouteKey) String() string {
	return fmt.Sprintf("routes_%s-%s-%s-%d", k.Chain, k.Input, k.Output, k.MaxHops)
}
