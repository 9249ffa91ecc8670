package multibank

import (
	"fmt"
	"time"

	"github.com/goliatone/go-multibank/inbound"
	"github.com/goliatone/go-multibank/webhooks"
)

// CallbackConfig controls how institution consent callbacks are accepted.
// Zero values give an unguarded dispatcher backed by in-memory claims.
type CallbackConfig struct {
	// Verifiers authenticate the callback envelope per institution before
	// the signed status token is read.
	Verifiers  *webhooks.InstitutionVerifiers
	Store      inbound.ClaimStore
	KeyTTL     time.Duration
	ExtractKey inbound.IdempotencyKeyExtractor

	Burst webhooks.BurstOptions
}

// NewCallbackDispatcher returns an inbound dispatcher with the consent
// status handler registered against service.
func NewCallbackDispatcher(service inbound.ConsentService, cfg CallbackConfig) (*inbound.Dispatcher, error) {
	if service == nil {
		return nil, fmt.Errorf("multibank: consent service is required")
	}
	store := cfg.Store
	if store == nil {
		store = inbound.NewInMemoryClaimStore()
	}

	var verifier inbound.Verifier
	if cfg.Verifiers != nil {
		verifier = cfg.Verifiers
	}
	dispatcher := inbound.NewDispatcher(verifier, store)
	if cfg.KeyTTL > 0 {
		dispatcher.KeyTTL = cfg.KeyTTL
	}
	if cfg.ExtractKey != nil {
		dispatcher.ExtractKey = cfg.ExtractKey
	}

	var handler inbound.Handler = inbound.NewConsentCallbackHandler(service)
	if cfg.Burst.Mode != "" && cfg.Burst.Mode != webhooks.BurstModeNone {
		handler = webhooks.Coalesce(handler, webhooks.NewBurstController(cfg.Burst))
	}
	if err := dispatcher.Register(handler); err != nil {
		return nil, err
	}
	return dispatcher, nil
}
