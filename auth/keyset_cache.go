package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-multibank/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const keySetCacheKeyPrefix = "multibank::jwks::v1"

// CachedKeySetSource keeps raw JWKS documents per institution until the
// cache TTL passes or the verifier invalidates them.
type CachedKeySetSource struct {
	base  core.KeySetSource
	cache repositorycache.CacheService
}

func NewCachedKeySetSource(base core.KeySetSource, cacheService repositorycache.CacheService) (*CachedKeySetSource, error) {
	if base == nil {
		return nil, fmt.Errorf("auth: base key set source is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("auth: key set cache service is required")
	}
	return &CachedKeySetSource{base: base, cache: cacheService}, nil
}

// KeySetCacheKey returns multibank::jwks::v1::<institution_id> with the id
// path escaped.
func KeySetCacheKey(institutionID string) (string, error) {
	institutionID = strings.TrimSpace(institutionID)
	if institutionID == "" {
		return "", fmt.Errorf("auth: institution id is required for key set cache")
	}
	return keySetCacheKeyPrefix + "::" + url.PathEscape(institutionID), nil
}

func (s *CachedKeySetSource) KeySet(ctx context.Context, institution core.TargetInstitution) ([]byte, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("auth: cached key set source is not configured")
	}
	cacheKey, err := KeySetCacheKey(institution.ID)
	if err != nil {
		return nil, err
	}
	raw, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]byte, error) {
		return s.base.KeySet(ctx, institution)
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

func (s *CachedKeySetSource) InvalidateKeySet(ctx context.Context, institution core.TargetInstitution) error {
	if s == nil || s.cache == nil {
		return fmt.Errorf("auth: cached key set source is not configured")
	}
	cacheKey, err := KeySetCacheKey(institution.ID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var (
	_ core.KeySetSource      = (*CachedKeySetSource)(nil)
	_ core.KeySetInvalidator = (*CachedKeySetSource)(nil)
)
