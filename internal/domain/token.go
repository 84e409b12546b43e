package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an immutable asset descriptor. Two tokens are the same asset when
// their identifiers match; symbol and decimals are informational.
type Token struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// NewToken builds a Token with a normalized identifier.
func NewToken(id, symbol string, decimals uint8) Token {
	return Token{ID: NormalizeID(id), Symbol: symbol, Decimals: decimals}
}

// Equal reports whether t and o identify the same asset.
func (t Token) Equal(o Token) bool {
	return t.ID == o.ID
}

// NormalizeID canonicalizes a token or pool identifier. EVM addresses are
// lower-cased so checksummed and plain forms map to the same cache key; any
// other identifier is only trimmed.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return strings.ToLower(common.HexToAddress(id).Hex())
	}
	return id
}
