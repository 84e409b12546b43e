package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// PoolStore implements domain.PoolSource over the pools table.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// FetchActive returns every active pool of chain with non-zero liquidity.
func (s *PoolStore) FetchActive(ctx context.Context, chain string) ([]*domain.Pool, error) {
	const query = `
		SELECT id,
		       token_a_id, token_a_symbol, token_a_decimals,
		       token_b_id, token_b_symbol, token_b_decimals,
		       fee, sqrt_price_x96, tick, liquidity, ticks
		FROM pools
		WHERE chain = $1 AND active AND liquidity <> '0'
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, chain)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch active pools %s: %w", chain, err)
	}
	defer rows.Close()

	var pools []*domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool on %s: %w", chain, err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch active pools %s: %w", chain, err)
	}
	return pools, nil
}

// scanPool scans a single pool row into a domain.Pool.
func scanPool(row pgx.Row) (*domain.Pool, error) {
	var (
		p              domain.Pool
		decA, decB     int16
		fee, tick      int32
		sqrtPrice, liq string
		ticksJSON      []byte
	)
	err := row.Scan(
		&p.ID,
		&p.TokenA.ID, &p.TokenA.Symbol, &decA,
		&p.TokenB.ID, &p.TokenB.Symbol, &decB,
		&fee, &sqrtPrice, &tick, &liq, &ticksJSON,
	)
	if err != nil {
		return nil, err
	}
	for _, d := range []int16{decA, decB} {
		if d < 0 || d > math.MaxUint8 {
			return nil, fmt.Errorf("pool %s: bad decimals %d", p.ID, d)
		}
	}
	if fee < 0 {
		return nil, fmt.Errorf("pool %s: bad fee %d", p.ID, fee)
	}
	p.TokenA.Decimals = uint8(decA)
	p.TokenB.Decimals = uint8(decB)
	p.Fee = uint32(fee)
	p.Tick = tick

	var ok bool
	if p.SqrtPriceX96, ok = new(big.Int).SetString(sqrtPrice, 10); !ok {
		return nil, fmt.Errorf("pool %s: bad sqrt_price_x96 %q", p.ID, sqrtPrice)
	}
	if p.Liquidity, ok = new(big.Int).SetString(liq, 10); !ok {
		return nil, fmt.Errorf("pool %s: bad liquidity %q", p.ID, liq)
	}
	if len(ticksJSON) > 0 {
		if err := json.Unmarshal(ticksJSON, &p.Ticks); err != nil {
			return nil, fmt.Errorf("pool %s: decode ticks: %w", p.ID, err)
		}
	}
	p.Normalize()
	return &p, nil
}

// Compile-time interface check.
var _ domain.PoolSource = (*PoolStore)(nil)
