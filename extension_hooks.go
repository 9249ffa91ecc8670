package multibank

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-multibank/core"
)

// NormalizerPack binds one account normalizer to the institution codes it
// serves. Without codes the normalizer's own Code is used.
type NormalizerPack struct {
	Name       string
	Normalizer core.AccountNormalizer
	Codes      []string
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

// ExtensionHooks collects host supplied normalizers and command/query
// bundles before the service is built.
type ExtensionHooks struct {
	mu sync.RWMutex

	normalizerPacks map[string]NormalizerPack
	bundles         map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		normalizerPacks: map[string]NormalizerPack{},
		bundles:         map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterNormalizerPack(pack NormalizerPack) error {
	if h == nil {
		return fmt.Errorf("multibank: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("multibank: normalizer pack name is required")
	}
	if pack.Normalizer == nil {
		return fmt.Errorf("multibank: normalizer pack %q has no normalizer", name)
	}

	codes := make([]string, 0, len(pack.Codes))
	for _, code := range pack.Codes {
		if code = strings.TrimSpace(strings.ToLower(code)); code != "" {
			codes = append(codes, code)
		}
	}
	normalized := NormalizerPack{Name: name, Normalizer: pack.Normalizer, Codes: codes}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.normalizerPacks[name]; exists {
		return fmt.Errorf("multibank: normalizer pack %q already registered", name)
	}
	h.normalizerPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("multibank: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("multibank: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("multibank: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("multibank: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyNormalizerPacks registers every pack in name order. A code that is
// already taken in the catalog fails the whole call.
func (h *ExtensionHooks) ApplyNormalizerPacks(catalog *core.NormalizerCatalog) error {
	if h == nil {
		return nil
	}
	if catalog == nil {
		return fmt.Errorf("multibank: normalizer catalog is required")
	}
	for _, pack := range h.NormalizerPacks() {
		if err := catalog.Register(pack.Normalizer, pack.Codes...); err != nil {
			return fmt.Errorf("multibank: normalizer pack %q: %w", pack.Name, err)
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("multibank: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		names = append(names, name)
		factories[name] = factory
	}
	h.mu.RUnlock()
	sort.Strings(names)

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) NormalizerPacks() []NormalizerPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.normalizerPacks))
	for name := range h.normalizerPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]NormalizerPack, 0, len(names))
	for _, name := range names {
		pack := h.normalizerPacks[name]
		out = append(out, NormalizerPack{
			Name:       pack.Name,
			Normalizer: pack.Normalizer,
			Codes:      append([]string(nil), pack.Codes...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
