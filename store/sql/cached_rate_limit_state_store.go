package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const rateLimitStateCacheNamespace = "multibank::ratelimit_state::v1"

// CachedRateLimitStateStore reads institution limit state through a
// repository cache. Writes go to the base store and evict the entry.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(base ratelimit.StateStore, cache repositorycache.CacheService) (*CachedRateLimitStateStore, error) {
	switch {
	case base == nil:
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	case cache == nil:
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cache}, nil
}

// RateLimitStateCacheKey is the cache entry for one institution:
// namespace::<escaped lowercase id>.
func RateLimitStateCacheKey(institutionID string) (string, error) {
	id := normalizeInstitutionKey(institutionID)
	if id == "" {
		return "", fmt.Errorf("sqlstore: rate-limit institution id is required")
	}
	return strings.Join([]string{rateLimitStateCacheNamespace, url.PathEscape(id)}, "::"), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, institutionID string) (ratelimit.State, error) {
	if err := s.ready(); err != nil {
		return ratelimit.State{}, err
	}
	key, err := RateLimitStateCacheKey(institutionID)
	if err != nil {
		return ratelimit.State{}, err
	}
	id := normalizeInstitutionKey(institutionID)
	state, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (ratelimit.State, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	return copyState(state), nil
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if err := s.ready(); err != nil {
		return err
	}
	key, err := RateLimitStateCacheKey(state.InstitutionID)
	if err != nil {
		return err
	}
	state = copyState(state)
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, key)
}

func (s *CachedRateLimitStateStore) ready() error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	return nil
}

// copyState detaches the pointer fields so cached values are never shared
// with callers.
func copyState(state ratelimit.State) ratelimit.State {
	out := state
	out.InstitutionID = normalizeInstitutionKey(state.InstitutionID)
	out.ResetAt = utcPointer(state.ResetAt)
	out.ThrottledUntil = utcPointer(state.ThrottledUntil)
	if state.RetryAfter != nil {
		wait := *state.RetryAfter
		out.RetryAfter = &wait
	}
	return out
}

// NewRateLimitStateCache builds an in-process cache service for
// CachedRateLimitStateStore entries.
func NewRateLimitStateCache(ttl time.Duration) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttl > 0 {
		config.TTL = ttl
	}
	return repositorycache.NewCacheService(config)
}

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
