package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NormalizerCatalog maps institution codes to account normalizers. Codes
// are matched case-insensitively; unknown codes resolve to the fallback.
type NormalizerCatalog struct {
	mu          sync.RWMutex
	normalizers map[string]AccountNormalizer
	fallback    AccountNormalizer
}

func NewNormalizerCatalog(fallback AccountNormalizer) *NormalizerCatalog {
	return &NormalizerCatalog{
		normalizers: make(map[string]AccountNormalizer),
		fallback:    fallback,
	}
}

func (r *NormalizerCatalog) Register(normalizer AccountNormalizer, codes ...string) error {
	if normalizer == nil {
		return fmt.Errorf("core: normalizer is nil")
	}
	if len(codes) == 0 {
		codes = []string{normalizer.Code()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, code := range codes {
		key := normalizeCode(code)
		if key == "" {
			return fmt.Errorf("core: normalizer code is required")
		}
		if _, exists := r.normalizers[key]; exists {
			return fmt.Errorf("core: normalizer already registered: %s", code)
		}
		r.normalizers[key] = normalizer
	}
	return nil
}

func (r *NormalizerCatalog) Resolve(code string) (AccountNormalizer, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if normalizer, ok := r.normalizers[normalizeCode(code)]; ok {
		return normalizer, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func (r *NormalizerCatalog) Codes() []string {
	r.mu.RLock()
	codes := make([]string, 0, len(r.normalizers))
	for code := range r.normalizers {
		codes = append(codes, code)
	}
	r.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
