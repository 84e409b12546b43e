package domain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	assert.Equal(t,
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		NormalizeID(" 0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48 "),
	)
	assert.Equal(t, "usdc", NormalizeID("usdc"))
	assert.Equal(t, "", NormalizeID("  "))
}

func TestDecodePool(t *testing.T) {
	p, err := DecodePool([]byte(`{
		"id": "P1",
		"token_a": {"id": "A", "symbol": "AAA", "decimals": 18},
		"token_b": {"id": "B", "symbol": "BBB", "decimals": 6},
		"fee": 3000,
		"liquidity": 1000,
		"ticks": [{"index": -10, "liquidity_net": 5, "liquidity_gross": 5}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ID)
	assert.Equal(t, uint32(3000), p.Fee)
	assert.True(t, p.HasLiquidity())
	assert.True(t, p.IsLiquid())
	assert.Equal(t, 0, p.Liquidity.Cmp(big.NewInt(1000)))
}

func TestDecodePoolRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":      ``,
		"null":       `null`,
		"not json":   `{"id":`,
		"no id":      `{"token_a":{"id":"A"},"token_b":{"id":"B"}}`,
		"self pair":  `{"id":"P","token_a":{"id":"A"},"token_b":{"id":"A"}}`,
		"no token b": `{"id":"P","token_a":{"id":"A"}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePool([]byte(payload))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestPoolHasLiquidity(t *testing.T) {
	assert.False(t, (&Pool{}).HasLiquidity())
	assert.False(t, (&Pool{Liquidity: big.NewInt(0)}).HasLiquidity())
	assert.True(t, (&Pool{Liquidity: big.NewInt(1)}).HasLiquidity())
}

func TestRouteConnected(t *testing.T) {
	a, b, c := Token{ID: "A"}, Token{ID: "B"}, Token{ID: "C"}
	p1 := &Pool{ID: "P1", TokenA: a, TokenB: b}
	p2 := &Pool{ID: "P2", TokenA: c, TokenB: b}

	assert.True(t, Route{Input: a, Output: c, Pools: []*Pool{p1, p2}}.Connected())
	assert.True(t, Route{Input: c, Output: a, Pools: []*Pool{p2, p1}}.Connected())
	assert.False(t, Route{Input: a, Output: c, Pools: []*Pool{p2, p1}}.Connected())
	assert.False(t, Route{Input: a, Output: b}.Connected())

	r := Route{Input: a, Output: c, Pools: []*Pool{p1, p2}}
	assert.Equal(t, 2, r.Hops())
	assert.Equal(t, []string{"P1", "P2"}, r.PoolIDs())
}

func TestRouteKeyString(t *testing.T) {
	k := RouteKey{Chain: "1", Input: "0xaa", Output: "0xbb", MaxHops: 2}
	assert.Equal(t, "routes_1-0xaa-0xbb-2", k.String())
}
