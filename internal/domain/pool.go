package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// Tick is one initialized entry of a pool's liquidity distribution.
type Tick struct {
	Index          int32    `json:"index"`
	LiquidityNet   *big.Int `json:"liquidity_net"`
	LiquidityGross *big.Int `json:"liquidity_gross"`
}

// Pool is a two-token liquidity pool snapshot.
//
// Pools held by the registry are never mutated after insertion: an update
// replaces the pointer, so readers holding a *Pool see a consistent snapshot.
type Pool struct {
	ID           string   `json:"id"`
	TokenA       Token    `json:"token_a"`
	TokenB       Token    `json:"token_b"`
	Fee          uint32   `json:"fee"`
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96,omitempty"`
	Tick         int32    `json:"tick"`
	Liquidity    *big.Int `json:"liquidity,omitempty"`
	Ticks        []Tick   `json:"ticks,omitempty"`
}

// HasLiquidity reports whether the pool carries non-zero active liquidity.
func (p *Pool) HasLiquidity() bool {
	return p.Liquidity != nil && p.Liquidity.Sign() > 0
}

// IsLiquid reports whether the pool has a non-empty tick distribution and can
// therefore be traversed by route search.
func (p *Pool) IsLiquid() bool {
	return len(p.Ticks) > 0
}

// Involves reports whether tokenID is one side of the pool.
func (p *Pool) Involves(tokenID string) bool {
	return p.TokenA.ID == tokenID || p.TokenB.ID == tokenID
}

// Other returns the token on the opposite side of tokenID.
func (p *Pool) Other(tokenID string) (Token, bool) {
	switch tokenID {
	case p.TokenA.ID:
		return p.TokenB, true
	case p.TokenB.ID:
		return p.TokenA, true
	}
	return Token{}, false
}

// Normalize canonicalizes the pool and token identifiers in place. It is only
// called on freshly decoded pools, before they are shared.
func (p *Pool) Normalize() {
	p.ID = NormalizeID(p.ID)
	p.TokenA.ID = NormalizeID(p.TokenA.ID)
	p.TokenB.ID = NormalizeID(p.TokenB.ID)
}

// Validate checks the structural fields a pool needs to take part in a route.
func (p *Pool) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty pool id", ErrDecode)
	}
	if p.TokenA.ID == "" || p.TokenB.ID == "" {
		return fmt.Errorf("%w: pool %s has an empty token id", ErrDecode, p.ID)
	}
	if p.TokenA.Equal(p.TokenB) {
		return fmt.Errorf("%w: pool %s pairs token %s with itself", ErrDecode, p.ID, p.TokenA.ID)
	}
	return nil
}

// DecodePool parses a JSON pool snapshot. A literal null or an empty payload
// is reported as ErrDecode, like any other malformed snapshot.
func DecodePool(data []byte) (*Pool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: null pool", ErrDecode)
	}
	var p Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
