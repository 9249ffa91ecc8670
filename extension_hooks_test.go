package multibank

import (
	"context"
	"testing"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/institutions"
)

type packNormalizer struct {
	code string
}

func (n packNormalizer) Code() string { return n.code }

func (packNormalizer) Normalize(core.TargetInstitution, []byte, string) (core.NormalizeResult, error) {
	return core.NormalizeResult{}, nil
}

func TestExtensionHooks_RegisterNormalizerPack(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterNormalizerPack(NormalizerPack{
		Name:       "cbank",
		Normalizer: packNormalizer{code: "cbank-v2"},
		Codes:      []string{" CBank ", ""},
	}); err != nil {
		t.Fatalf("register pack: %v", err)
	}
	if err := hooks.RegisterNormalizerPack(NormalizerPack{Name: "cbank", Normalizer: packNormalizer{code: "x"}}); err == nil {
		t.Fatalf("expected duplicate pack error")
	}
	if err := hooks.RegisterNormalizerPack(NormalizerPack{Name: "empty"}); err == nil {
		t.Fatalf("expected error for pack without normalizer")
	}

	packs := hooks.NormalizerPacks()
	if len(packs) != 1 || len(packs[0].Codes) != 1 || packs[0].Codes[0] != "cbank" {
		t.Fatalf("unexpected packs %#v", packs)
	}
	packs[0].Codes[0] = "mutated"
	if hooks.NormalizerPacks()[0].Codes[0] != "cbank" {
		t.Fatalf("expected packs to be copied")
	}
}

func TestExtensionHooks_ApplyNormalizerPacks(t *testing.T) {
	catalog, err := institutions.DefaultCatalog("abank")
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}

	var nilHooks *ExtensionHooks
	if err := nilHooks.ApplyNormalizerPacks(catalog); err != nil {
		t.Fatalf("expected nil hooks to be a no-op, got %v", err)
	}

	hooks := NewExtensionHooks()
	if err := hooks.RegisterNormalizerPack(NormalizerPack{
		Name:       "cbank",
		Normalizer: packNormalizer{code: "cbank-v2"},
		Codes:      []string{"cbank"},
	}); err != nil {
		t.Fatalf("register pack: %v", err)
	}
	if err := hooks.ApplyNormalizerPacks(catalog); err != nil {
		t.Fatalf("apply packs: %v", err)
	}
	normalizer, ok := catalog.Resolve("cbank")
	if !ok || normalizer.Code() != "cbank-v2" {
		t.Fatalf("expected cbank pack to resolve, got %v", normalizer)
	}

	clash := NewExtensionHooks()
	if err := clash.RegisterNormalizerPack(NormalizerPack{
		Name:       "abank-override",
		Normalizer: packNormalizer{code: "abank-v2"},
		Codes:      []string{"abank"},
	}); err != nil {
		t.Fatalf("register clashing pack: %v", err)
	}
	if err := clash.ApplyNormalizerPacks(catalog); err == nil {
		t.Fatalf("expected error when a code is already registered")
	}
	if err := hooks.ApplyNormalizerPacks(nil); err == nil {
		t.Fatalf("expected error for nil catalog")
	}
}

func TestExtensionHooks_BuildCommandQueryBundles(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterCommandQueryBundle("reports", func(service CommandQueryService) (any, error) {
		return func(ctx context.Context, userID string) (core.AggregateResult, error) {
			return service.Aggregate(ctx, userID)
		}, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("admin", func(CommandQueryService) (any, error) {
		return "admin", nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("admin", func(CommandQueryService) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("expected duplicate bundle error")
	}
	if err := hooks.RegisterCommandQueryBundle("empty", nil); err == nil {
		t.Fatalf("expected error for nil factory")
	}

	names := hooks.BundleNames()
	if len(names) != 2 || names[0] != "admin" || names[1] != "reports" {
		t.Fatalf("unexpected bundle names %v", names)
	}

	bundles, err := hooks.BuildCommandQueryBundles(&stubFacadeService{})
	if err != nil {
		t.Fatalf("build bundles: %v", err)
	}
	report, ok := bundles["reports"].(func(context.Context, string) (core.AggregateResult, error))
	if !ok {
		t.Fatalf("expected reports bundle function, got %T", bundles["reports"])
	}
	result, err := report(context.Background(), "u1")
	if err != nil || result.TotalAccountCount != 1 {
		t.Fatalf("unexpected bundle result %#v, %v", result, err)
	}

	if _, err := hooks.BuildCommandQueryBundles(nil); err == nil {
		t.Fatalf("expected error for nil service")
	}
}
