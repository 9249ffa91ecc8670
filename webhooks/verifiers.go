package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-multibank/inbound"
)

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req inbound.Request) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("webhooks: decode signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req inbound.Request) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if actual == "" {
		return fmt.Errorf("webhooks: %s verification header is required", strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

// InstitutionVerifiers picks a verifier by the institution that sent the
// callback. Institutions without an entry fall through to Default, and
// pass when Default is nil.
type InstitutionVerifiers struct {
	Default inbound.Verifier

	mu        sync.RWMutex
	verifiers map[string]inbound.Verifier
}

func NewInstitutionVerifiers(defaultVerifier inbound.Verifier) *InstitutionVerifiers {
	return &InstitutionVerifiers{
		Default:   defaultVerifier,
		verifiers: map[string]inbound.Verifier{},
	}
}

func (v *InstitutionVerifiers) Register(institutionID string, verifier inbound.Verifier) error {
	if v == nil {
		return fmt.Errorf("webhooks: institution verifiers are nil")
	}
	key := normalizeID(institutionID)
	if key == "" {
		return fmt.Errorf("webhooks: institution id is required")
	}
	if verifier == nil {
		return fmt.Errorf("webhooks: verifier for %q is nil", institutionID)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifiers == nil {
		v.verifiers = map[string]inbound.Verifier{}
	}
	if _, exists := v.verifiers[key]; exists {
		return fmt.Errorf("webhooks: verifier already registered for %q", institutionID)
	}
	v.verifiers[key] = verifier
	return nil
}

func (v *InstitutionVerifiers) Verify(ctx context.Context, req inbound.Request) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	verifier, ok := v.verifiers[normalizeID(req.InstitutionID)]
	v.mu.RUnlock()
	if !ok {
		verifier = v.Default
	}
	if verifier == nil {
		return nil
	}
	return verifier.Verify(ctx, req)
}

// HeaderKeyExtractor reads the idempotency key from the first non-empty
// header. The dispatcher scopes it by institution and kind.
func HeaderKeyExtractor(headers ...string) inbound.IdempotencyKeyExtractor {
	keys := append([]string(nil), headers...)
	return func(req inbound.Request) (string, error) {
		for _, key := range keys {
			if value := headerValue(req.Headers, key); value != "" {
				return value, nil
			}
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

func ChainKeyExtractors(extractors ...inbound.IdempotencyKeyExtractor) inbound.IdempotencyKeyExtractor {
	list := append([]inbound.IdempotencyKeyExtractor(nil), extractors...)
	return func(req inbound.Request) (string, error) {
		var lastErr error
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			key, err := extractor(req)
			if err == nil && strings.TrimSpace(key) != "" {
				return strings.TrimSpace(key), nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

func headerValue(headers map[string]string, key string) string {
	key = strings.TrimSpace(key)
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

var (
	_ inbound.Verifier = HeaderHMACVerifier{}
	_ inbound.Verifier = HeaderTokenVerifier{}
	_ inbound.Verifier = (*InstitutionVerifiers)(nil)
)
