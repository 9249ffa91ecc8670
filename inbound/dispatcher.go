package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const defaultKeyTTL = 24 * time.Hour

type IdempotencyKeyExtractor func(req Request) (string, error)

// Dispatcher routes callbacks to the handler registered for their kind.
type Dispatcher struct {
	Verifier   Verifier
	Store      ClaimStore
	ExtractKey IdempotencyKeyExtractor
	KeyTTL     time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(verifier Verifier, store ClaimStore) *Dispatcher {
	return &Dispatcher{
		Verifier:   verifier,
		Store:      store,
		ExtractKey: DefaultIdempotencyKeyExtractor,
		KeyTTL:     defaultKeyTTL,
		handlers:   map[string]Handler{},
	}
}

func (d *Dispatcher) Register(handler Handler) error {
	if d == nil {
		return internal.new("inbound: dispatcher is nil", nil)
	}
	if handler == nil {
		return badInput.new("inbound: handler is nil", nil)
	}
	kind := normalizeKind(handler.Kind())
	if kind == "" {
		return badInput.new("inbound: handler kind is required", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = map[string]Handler{}
	}
	if _, exists := d.handlers[kind]; exists {
		return duplicate.new(fmt.Sprintf("inbound: handler already registered for kind %q", kind), map[string]any{"kind": kind})
	}
	d.handlers[kind] = handler
	return nil
}

// Dispatch verifies, deduplicates and handles req. Handler errors that will
// not change on replay settle the claim; other failures leave it retryable.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if d == nil {
		return Result{}, internal.new("inbound: dispatcher is nil", nil)
	}
	req.InstitutionID = strings.TrimSpace(req.InstitutionID)
	req.Kind = normalizeKind(req.Kind)
	fields := map[string]any{"institution_id": req.InstitutionID, "kind": req.Kind}
	if req.InstitutionID == "" {
		return Result{}, badInput.new("inbound: institution id is required", map[string]any{"kind": req.Kind})
	}
	handler := d.handlerFor(req.Kind)
	if handler == nil {
		return Result{}, unrouted.new(fmt.Sprintf("inbound: no handler registered for kind %q", req.Kind), fields)
	}
	if d.Verifier != nil {
		if err := d.Verifier.Verify(ctx, req); err != nil {
			return Result{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata:   withMetadata(fields, "rejected", true),
			}, unverified.wrap(err, "inbound: request verification failed", fields)
		}
	}

	claimID := ""
	if d.Store != nil {
		extractor := d.ExtractKey
		if extractor == nil {
			extractor = DefaultIdempotencyKeyExtractor
		}
		key, err := extractor(req)
		if err != nil {
			return Result{}, badInput.wrap(err, "inbound: resolve idempotency key", fields)
		}
		var accepted bool
		claimID, accepted, err = d.Store.Claim(ctx, req.InstitutionID+":"+req.Kind+":"+key, d.keyTTL())
		if err != nil {
			return Result{}, claimFailed.wrap(err, "inbound: idempotency claim failed", withMetadata(fields, "idempotency", key))
		}
		if !accepted {
			return Result{
				Accepted:   true,
				StatusCode: http.StatusOK,
				Metadata:   withMetadata(fields, "deduped", true),
			}, nil
		}
	}

	result, err := handler.Handle(ctx, req)
	if err != nil {
		handlerErr := handlerError(err, fields)
		if permanent(handlerErr) {
			return result, joinErrors(handlerErr, d.complete(ctx, claimID, fields))
		}
		return Result{}, joinErrors(handlerErr, d.fail(ctx, claimID, err, fields))
	}
	if !result.Accepted || result.StatusCode >= http.StatusInternalServerError {
		retryErr := handlerFault.new(fmt.Sprintf("inbound: handler returned retryable status %d", result.StatusCode), withMetadata(fields, "status_code", result.StatusCode))
		return result, joinErrors(retryErr, d.fail(ctx, claimID, retryErr, fields))
	}
	if err := d.complete(ctx, claimID, fields); err != nil {
		return Result{}, err
	}
	result.Metadata = ensureMetadata(result.Metadata)
	result.Metadata["institution_id"] = req.InstitutionID
	result.Metadata["kind"] = req.Kind
	return result, nil
}

func (d *Dispatcher) complete(ctx context.Context, claimID string, fields map[string]any) error {
	if d.Store == nil || claimID == "" {
		return nil
	}
	if err := d.Store.Complete(ctx, claimID); err != nil {
		return claimFailed.wrap(err, "inbound: complete idempotency claim", withMetadata(fields, "claim_id", claimID))
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, claimID string, cause error, fields map[string]any) error {
	if d.Store == nil || claimID == "" {
		return nil
	}
	if err := d.Store.Fail(ctx, claimID, cause, time.Time{}); err != nil {
		return claimFailed.wrap(err, "inbound: mark idempotency claim failed", withMetadata(fields, "claim_id", claimID))
	}
	return nil
}

// handlerError keeps service envelopes as they are so callers see the
// original text code.
func handlerError(err error, fields map[string]any) error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return err
	}
	return handlerFault.wrap(err, "inbound: handler execution failed", fields)
}

// DefaultIdempotencyKeyExtractor prefers explicit delivery ids and falls
// back to a digest of the body.
func DefaultIdempotencyKeyExtractor(req Request) (string, error) {
	if req.Metadata != nil {
		for _, key := range []string{"idempotency_key", "delivery_id", "message_id"} {
			if value := trimAny(req.Metadata[key]); value != "" {
				return value, nil
			}
		}
	}
	if req.Headers != nil {
		for _, key := range []string{"idempotency-key", "x-idempotency-key", "x-request-id"} {
			if value := headerValue(req.Headers, key); value != "" {
				return value, nil
			}
		}
	}
	if len(req.Body) > 0 {
		sum := sha256.Sum256(req.Body)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	return "", badInput.new("inbound: idempotency key is required", map[string]any{
		"institution_id": req.InstitutionID,
		"kind":           req.Kind,
	})
}

type claimStatus string

const (
	claimStatusProcessing claimStatus = "processing"
	claimStatusRetryReady claimStatus = "retry_ready"
	claimStatusComplete   claimStatus = "complete"
)

type claimEntry struct {
	Key            string
	Status         claimStatus
	ClaimID        string
	Attempts       int
	KeyTTL         time.Duration
	LeaseExpiresAt time.Time
	RetryAt        time.Time
}

type InMemoryClaimStore struct {
	mu      sync.Mutex
	entries map[string]claimEntry
	claims  map[string]string
	nextID  int
	Now     func() time.Time
}

func NewInMemoryClaimStore() *InMemoryClaimStore {
	return &InMemoryClaimStore{
		entries: map[string]claimEntry{},
		claims:  map[string]string{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *InMemoryClaimStore) Claim(
	_ context.Context,
	key string,
	lease time.Duration,
) (string, bool, error) {
	if s == nil {
		return "", false, internal.new("inbound: idempotency store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, badInput.new("inbound: idempotency key is required", nil)
	}
	now := s.now()
	if lease <= 0 {
		lease = defaultKeyTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)
	entry, exists := s.entries[key]
	if !exists {
		claimID := s.nextClaimID()
		s.entries[key] = claimEntry{
			Key:            key,
			Status:         claimStatusProcessing,
			ClaimID:        claimID,
			Attempts:       1,
			KeyTTL:         lease,
			LeaseExpiresAt: now.Add(lease),
		}
		s.claims[claimID] = key
		return claimID, true, nil
	}

	switch entry.Status {
	case claimStatusComplete:
		if !entry.LeaseExpiresAt.IsZero() && now.Before(entry.LeaseExpiresAt) {
			return "", false, nil
		}
	case claimStatusProcessing:
		if now.Before(entry.LeaseExpiresAt) {
			return "", false, nil
		}
	case claimStatusRetryReady:
		if !entry.RetryAt.IsZero() && now.Before(entry.RetryAt) {
			return "", false, nil
		}
	}

	if entry.ClaimID != "" {
		delete(s.claims, entry.ClaimID)
	}
	claimID := s.nextClaimID()
	entry.Status = claimStatusProcessing
	entry.ClaimID = claimID
	entry.Attempts++
	entry.KeyTTL = lease
	entry.LeaseExpiresAt = now.Add(lease)
	entry.RetryAt = time.Time{}
	s.entries[key] = entry
	s.claims[claimID] = key
	return claimID, true, nil
}

func (s *InMemoryClaimStore) Complete(_ context.Context, claimID string) error {
	if s == nil {
		return internal.new("inbound: idempotency store is nil", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return badInput.new("inbound: claim id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	entry, exists := s.entries[key]
	if !exists || entry.ClaimID != claimID || entry.Status != claimStatusProcessing {
		delete(s.claims, claimID)
		return nil
	}
	ttl := entry.KeyTTL
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	now := s.now()
	entry.Status = claimStatusComplete
	entry.LeaseExpiresAt = now.Add(ttl)
	entry.RetryAt = time.Time{}
	s.entries[key] = entry
	delete(s.claims, claimID)
	return nil
}

func (s *InMemoryClaimStore) Fail(
	_ context.Context,
	claimID string,
	_ error,
	retryAt time.Time,
) error {
	if s == nil {
		return internal.new("inbound: idempotency store is nil", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return badInput.new("inbound: claim id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	entry, exists := s.entries[key]
	if !exists || entry.ClaimID != claimID || entry.Status != claimStatusProcessing {
		delete(s.claims, claimID)
		return nil
	}
	if retryAt.IsZero() {
		retryAt = s.now()
	}
	entry.Status = claimStatusRetryReady
	entry.RetryAt = retryAt.UTC()
	entry.LeaseExpiresAt = time.Time{}
	s.entries[key] = entry
	delete(s.claims, claimID)
	return nil
}

func (s *InMemoryClaimStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *InMemoryClaimStore) nextClaimID() string {
	s.nextID++
	return fmt.Sprintf("claim_%d", s.nextID)
}

func (s *InMemoryClaimStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if entry.Status != claimStatusComplete {
			continue
		}
		if entry.LeaseExpiresAt.IsZero() || !now.Before(entry.LeaseExpiresAt) {
			if entry.ClaimID != "" {
				delete(s.claims, entry.ClaimID)
			}
			delete(s.entries, key)
		}
	}
}

func (d *Dispatcher) keyTTL() time.Duration {
	if d != nil && d.KeyTTL > 0 {
		return d.KeyTTL
	}
	return defaultKeyTTL
}

func (d *Dispatcher) handlerFor(kind string) Handler {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[normalizeKind(kind)]
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}

func joinErrors(primary error, secondary error) error {
	if secondary == nil {
		return primary
	}
	return errors.Join(primary, secondary)
}

func trimAny(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func ensureMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

func withMetadata(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
