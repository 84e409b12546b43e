// Package registry keeps the per-chain, in-memory pool state that route
// search runs against. Each chain is bootstrapped once from a PoolSource and
// then kept current by pool update events.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/metrics"
)

const defaultBootstrapTimeout = 30 * time.Second

// chainPools is the state of one chain. Its own lock keeps updates on one
// chain from contending with readers of another.
type chainPools struct {
	mu     sync.RWMutex
	pools  map[string]*domain.Pool
	tokens map[string]*tokenRef
}

// tokenRef counts the pools on a chain that hold a token. A token resolves
// only while at least one pool references it.
type tokenRef struct {
	token domain.Token
	pools int
}

func newChainPools(pools []*domain.Pool) *chainPools {
	cp := &chainPools{
		pools:  make(map[string]*domain.Pool, len(pools)),
		tokens: make(map[string]*tokenRef, len(pools)*2),
	}
	for _, p := range pools {
		cp.put(p)
	}
	return cp
}

// put and remove must be called with mu held for writing, or before cp is
// published.
func (cp *chainPools) put(p *domain.Pool) {
	cp.remove(p.ID)
	cp.pools[p.ID] = p
	cp.retain(p.TokenA)
	cp.retain(p.TokenB)
}

func (cp *chainPools) remove(id string) {
	old, ok := cp.pools[id]
	if !ok {
		return
	}
	delete(cp.pools, id)
	cp.release(old.TokenA.ID)
	cp.release(old.TokenB.ID)
}

func (cp *chainPools) retain(t domain.Token) {
	if ref, ok := cp.tokens[t.ID]; ok {
		ref.token = t
		ref.pools++
		return
	}
	cp.tokens[t.ID] = &tokenRef{token: t, pools: 1}
}

func (cp *chainPools) release(id string) {
	ref, ok := cp.tokens[id]
	if !ok {
		return
	}
	if ref.pools--; ref.pools <= 0 {
		delete(cp.tokens, id)
	}
}

// Config tunes a PoolRegistry.
type Config struct {
	// BootstrapTimeout bounds a full pool fetch. Zero means 30s.
	BootstrapTimeout time.Duration
	// OnBootstrapFailure, when set, is called after every failed fetch.
	OnBootstrapFailure func(ctx context.Context, chain string, err error)
}

// PoolRegistry maps chain -> pool id -> pool. It is created once at service
// start, injected into its consumers, and lives for the process lifetime.
type PoolRegistry struct {
	source  domain.PoolSource
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	chains map[string]*chainPools

	bootstrap singleflight.Group
}

// New creates an empty PoolRegistry fed by source.
func New(source domain.PoolSource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *PoolRegistry {
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = defaultBootstrapTimeout
	}
	return &PoolRegistry{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "pool_registry")),
		chains:  make(map[string]*chainPools),
	}
}

// Get returns a snapshot of the chain's pool map, bootstrapping the chain from
// the PoolSource on first access. Concurrent cold callers share one fetch. A
// failed fetch leaves the chain unpopulated so the next call retries.
func (r *PoolRegistry) Get(ctx context.Context, chain string) (map[string]*domain.Pool, error) {
	cp, err := r.chain(ctx, chain)
	if err != nil {
		return nil, err
	}
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make(map[string]*domain.Pool, len(cp.pools))
	for id, p := range cp.pools {
		out[id] = p
	}
	return out, nil
}

// LiquidPools returns the chain's pools that have a non-empty tick
// distribution, ordered by id.
func (r *PoolRegistry) LiquidPools(ctx context.Context, chain string) ([]*domain.Pool, error) {
	cp, err := r.chain(ctx, chain)
	if err != nil {
		return nil, err
	}
	cp.mu.RLock()
	out := make([]*domain.Pool, 0, len(cp.pools))
	for _, p := range cp.pools {
		if p.IsLiquid() {
			out = append(out, p)
		}
	}
	cp.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Pool looks up a single pool without triggering a bootstrap.
func (r *PoolRegistry) Pool(chain, id string) (*domain.Pool, bool) {
	cp := r.loaded(chain)
	if cp == nil {
		return nil, false
	}
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	p, ok := cp.pools[id]
	return p, ok
}

// Token resolves a token identifier against the pools seen on a chain,
// without triggering a bootstrap.
func (r *PoolRegistry) Token(chain, id string) (domain.Token, bool) {
	cp := r.loaded(chain)
	if cp == nil {
		return domain.Token{}, false
	}
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	ref, ok := cp.tokens[domain.NormalizeID(id)]
	if !ok {
		return domain.Token{}, false
	}
	return ref.token, true
}

// ApplyMessage decodes a domain.PoolUpdate envelope and applies it with
// ApplyUpdate. A malformed envelope is logged and returned as ErrDecode.
func (r *PoolRegistry) ApplyMessage(ctx context.Context, data []byte) error {
	var msg domain.PoolUpdate
	if err := json.Unmarshal(data, &msg); err != nil || msg.Chain == "" {
		r.metrics.PoolUpdate(msg.Chain, "dropped")
		attrs := []any{
			slog.String("kind", "data_integrity"),
			slog.Int("payload_len", len(data)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		r.logger.WarnContext(ctx, "dropping malformed pool update message", attrs...)
		if err == nil {
			err = errors.New("missing chain")
		}
		return fmt.Errorf("%w: update envelope: %w", domain.ErrDecode, err)
	}
	return r.ApplyUpdate(ctx, msg.Chain, unwrapPayload(msg.Pool))
}

// unwrapPayload accepts the snapshot either as an inline JSON object or as a
// base64 string (the JSON encoding of a byte slice).
func unwrapPayload(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var b []byte
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return trimmed
	}
	return b
}

// ApplyUpdate decodes a pool snapshot and upserts it by id. A snapshot without
// liquidity removes the pool, matching the bootstrap exclusion policy.
//
// If the chain has not been bootstrapped yet the snapshot is not inserted;
// the chain is fetched in full instead. Malformed snapshots are logged and
// dropped, leaving the last known good state untouched.
func (r *PoolRegistry) ApplyUpdate(ctx context.Context, chain string, data []byte) error {
	pool, err := domain.DecodePool(data)
	if err != nil {
		r.metrics.PoolUpdate(chain, "dropped")
		r.logger.WarnContext(ctx, "dropping pool update",
			slog.String("kind", "data_integrity"),
			slog.String("chain", chain),
			slog.Int("payload_len", len(data)),
			slog.String("error", err.Error()),
		)
		return err
	}

	cp := r.loaded(chain)
	if cp == nil {
		r.metrics.PoolUpdate(chain, "bootstrap")
		r.logger.InfoContext(ctx, "update for cold chain, bootstrapping",
			slog.String("chain", chain),
			slog.String("pool_id", pool.ID),
		)
		_, err := r.chain(ctx, chain)
		return err
	}

	cp.mu.Lock()
	if pool.HasLiquidity() {
		cp.put(pool)
	} else {
		cp.remove(pool.ID)
	}
	cp.mu.Unlock()

	r.metrics.PoolUpdate(chain, "applied")
	return nil
}

// Chains returns the chains currently held in memory.
func (r *PoolRegistry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for c := range r.chains {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *PoolRegistry) loaded(chain string) *chainPools {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[chain]
}

func (r *PoolRegistry) chain(ctx context.Context, chain string) (*chainPools, error) {
	if cp := r.loaded(chain); cp != nil {
		return cp, nil
	}

	ch := r.bootstrap.DoChan(chain, func() (any, error) {
		// A previous flight may have finished between the check above and
		// this call.
		if cp := r.loaded(chain); cp != nil {
			return cp, nil
		}
		return r.fetch(context.WithoutCancel(ctx), chain)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: chain %s: %w", domain.ErrBootstrap, chain, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*chainPools), nil
	}
}

func (r *PoolRegistry) fetch(ctx context.Context, chain string) (*chainPools, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BootstrapTimeout)
	defer cancel()

	start := time.Now()
	pools, err := r.source.FetchActive(ctx, chain)
	if err != nil {
		r.metrics.Bootstrap(chain, metrics.ResultError)
		r.logger.ErrorContext(ctx, "pool bootstrap failed",
			slog.String("chain", chain),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, domain.ErrBootstrap) {
			err = fmt.Errorf("%w: chain %s: %w", domain.ErrBootstrap, chain, err)
		}
		if r.cfg.OnBootstrapFailure != nil {
			r.cfg.OnBootstrapFailure(ctx, chain, err)
		}
		return nil, err
	}

	kept := make([]*domain.Pool, 0, len(pools))
	for _, p := range pools {
		if p == nil || !p.HasLiquidity() {
			continue
		}
		if err := p.Validate(); err != nil {
			r.logger.WarnContext(ctx, "skipping invalid pool from source",
				slog.String("kind", "data_integrity"),
				slog.String("chain", chain),
				slog.String("error", err.Error()),
			)
			continue
		}
		kept = append(kept, p)
	}

	cp := newChainPools(kept)
	r.mu.Lock()
	r.chains[chain] = cp
	r.mu.Unlock()

	r.metrics.Bootstrap(chain, metrics.ResultOK)
	r.logger.InfoContext(ctx, "pool bootstrap complete",
		slog.String("chain", chain),
		slog.Int("fetched", len(pools)),
		slog.Int("kept", len(kept)),
		slog.Duration("duration", time.Since(start)),
	)
	return cp, nil
}
