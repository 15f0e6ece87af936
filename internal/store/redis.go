package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// DefaultCacheTTL bounds how long a cached ledger snapshot lives.
const DefaultCacheTTL = 5 * time.Minute

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) LoadLedger(ctx context.Context, scope Scope) (*model.Ledger, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ledgerKey(scope)).Bytes()
	if err == nil {
		var l model.Ledger
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.LoadLedger(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.cacheLedger(ctx, scope, l)
	return l, nil
}

func (s *CachedStore) SaveLedger(ctx context.Context, scope Scope, l *model.Ledger) error {
	if err := s.primary.SaveLedger(ctx, scope, l); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, ledgerKey(scope))
	return nil
}

// ListScopes passes through to the primary when it can list.
func (s *CachedStore) ListScopes(ctx context.Context) ([]Scope, error) {
	lister, ok := s.primary.(ScopeLister)
	if !ok {
		return nil, fmt.Errorf("store: primary %T cannot list scopes", s.primary)
	}
	return lister.ListScopes(ctx)
}

func (s *CachedStore) cacheLedger(ctx context.Context, scope Scope, l *model.Ledger) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, ledgerKey(scope), data, s.ttl)
	}
}

func ledgerKey(scope Scope) string { return fmt.Sprintf("paper:ledger:%s", scope) }
