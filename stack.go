package multibank

import (
	"fmt"
	"time"

	"github.com/goliatone/go-multibank/auth"
	"github.com/goliatone/go-multibank/bankapi"
	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/institutions"
	"github.com/goliatone/go-multibank/ratelimit"
	"github.com/goliatone/go-multibank/transport"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const defaultKeySetTTL = time.Hour

// StackConfig selects the outbound components used to talk to
// institutions. Zero values fall back to the library defaults.
type StackConfig struct {
	HTTPClient     transport.HTTPDoer
	RateLimitStore ratelimit.StateStore

	// OpenBankingCodes are institution codes that answer in the Open
	// Banking account shape.
	OpenBankingCodes []string
	Extensions       *ExtensionHooks

	KeySetCache repositorycache.CacheService
	KeySetTTL   time.Duration

	Credentials auth.ClientCredentialsConfig
	BankAPI     bankapi.ClientConfig
	Verifier    auth.JWKSVerifierConfig
}

// Stack is the set of institution facing components built from a
// StackConfig. They share one transport and one rate limit policy.
type Stack struct {
	Transport   *transport.RESTAdapter
	RateLimit   *ratelimit.InstitutionPolicy
	Exchanger   *auth.ClientCredentialsExchanger
	API         *bankapi.Client
	KeySets     *auth.CachedKeySetSource
	Verifier    *auth.JWKSVerifier
	Normalizers *core.NormalizerCatalog
}

func NewStack(cfg StackConfig) (*Stack, error) {
	policy := ratelimit.NewInstitutionPolicy(cfg.RateLimitStore)
	adapter := transport.NewRESTAdapter(cfg.HTTPClient)
	adapter.Policy = policy

	api := bankapi.NewClient(adapter, cfg.BankAPI)

	cache := cfg.KeySetCache
	if cache == nil {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = cfg.KeySetTTL
		if cacheConfig.TTL <= 0 {
			cacheConfig.TTL = defaultKeySetTTL
		}
		built, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("multibank: key set cache: %w", err)
		}
		cache = built
	}
	keySets, err := auth.NewCachedKeySetSource(api, cache)
	if err != nil {
		return nil, err
	}

	catalog, err := institutions.DefaultCatalog(cfg.OpenBankingCodes...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Extensions.ApplyNormalizerPacks(catalog); err != nil {
		return nil, err
	}

	return &Stack{
		Transport:   adapter,
		RateLimit:   policy,
		Exchanger:   auth.NewClientCredentialsExchanger(adapter, cfg.Credentials),
		API:         api,
		KeySets:     keySets,
		Verifier:    auth.NewJWKSVerifier(keySets, cfg.Verifier),
		Normalizers: catalog,
	}, nil
}

// Options returns the service options that install the stack.
func (s *Stack) Options() []Option {
	if s == nil {
		return nil
	}
	return []Option{
		WithTokenExchanger(s.Exchanger),
		WithInstitutionAPI(s.API),
		WithTokenVerifier(s.Verifier),
		WithNormalizerRegistry(s.Normalizers),
	}
}

// New builds a service on top of the default institution stack. Options
// given here are applied after the stack and may replace its parts.
func New(cfg Config, stackConfig StackConfig, opts ...Option) (*Service, error) {
	stack, err := NewStack(stackConfig)
	if err != nil {
		return nil, err
	}
	return NewService(cfg, append(stack.Options(), opts...)...)
}
