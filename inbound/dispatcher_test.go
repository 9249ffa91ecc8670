package inbound

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multibank/core"
)

func TestDispatcher_SharedVerificationAndIdempotency(t *testing.T) {
	store := NewInMemoryClaimStore()
	store.Now = func() time.Time {
		return time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	}
	handler := &stubInboundHandler{
		kind: KindConsentStatus,
		result: Result{
			Accepted:   true,
			StatusCode: 202,
		},
	}
	dispatcher := NewDispatcher(stubInboundVerifier{}, store)
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	req := Request{
		InstitutionID: "vbank",
		Kind:          KindConsentStatus,
		Metadata: map[string]any{
			"idempotency_key": "req-1",
		},
	}
	first, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch first request: %v", err)
	}
	if !first.Accepted {
		t.Fatalf("expected first request accepted")
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler to be called once")
	}

	second, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch duplicate request: %v", err)
	}
	if second.Metadata["deduped"] != true {
		t.Fatalf("expected deduped marker on repeated idempotency key")
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler call count unchanged for duplicate")
	}
}

func TestDispatcher_IdempotencyWindowExpiresByKeyTTL(t *testing.T) {
	store := NewInMemoryClaimStore()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	handler := &stubInboundHandler{
		kind: KindConsentStatus,
		result: Result{
			Accepted:   true,
			StatusCode: 202,
		},
	}
	dispatcher := NewDispatcher(stubInboundVerifier{}, store)
	dispatcher.KeyTTL = time.Minute
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	req := Request{
		InstitutionID: "vbank",
		Kind:          KindConsentStatus,
		Metadata: map[string]any{
			"idempotency_key": "ttl-key",
		},
	}
	if _, err := dispatcher.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("dispatch first request: %v", err)
	}
	if handler.calls != 1 {
		t.Fatalf("expected one handler call, got %d", handler.calls)
	}

	deduped, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch duplicate request: %v", err)
	}
	if deduped.Metadata["deduped"] != true {
		t.Fatalf("expected deduped marker before ttl expiry")
	}
	if handler.calls != 1 {
		t.Fatalf("expected duplicate suppression before ttl expiry")
	}

	now = now.Add(2 * time.Minute)
	result, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch after ttl expiry: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected request accepted after ttl expiry")
	}
	if handler.calls != 2 {
		t.Fatalf("expected handler to be called again after ttl expiry, got %d", handler.calls)
	}
}

func TestDispatcher_RetriesAfterTransientHandlerFailure(t *testing.T) {
	store := NewInMemoryClaimStore()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	handler := &stubInboundHandler{
		kind: KindConsentStatus,
		err:  errors.New("temporary inbound failure"),
	}
	dispatcher := NewDispatcher(stubInboundVerifier{}, store)
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	req := Request{
		InstitutionID: "vbank",
		Kind:          KindConsentStatus,
		Metadata: map[string]any{
			"idempotency_key": "retry-me",
		},
	}
	if _, err := dispatcher.Dispatch(context.Background(), req); err == nil {
		t.Fatalf("expected transient failure to bubble")
	}
	if handler.calls != 1 {
		t.Fatalf("expected one handler call after first failure, got %d", handler.calls)
	}

	handler.err = nil
	handler.result = Result{Accepted: true, StatusCode: 202}
	now = now.Add(time.Second)
	result, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected successful retry result")
	}
	if handler.calls != 2 {
		t.Fatalf("expected handler to be called again after failure, got %d", handler.calls)
	}
}

func TestInMemoryClaimStore_RecoversAfterLeaseExpiry(t *testing.T) {
	store := NewInMemoryClaimStore()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	claimID, accepted, err := store.Claim(context.Background(), "vbank:consent_status:key", time.Minute)
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if !accepted || claimID == "" {
		t.Fatalf("expected first claim to be accepted")
	}

	if _, accepted, err := store.Claim(context.Background(), "vbank:consent_status:key", time.Minute); err != nil {
		t.Fatalf("claim while lease active: %v", err)
	} else if accepted {
		t.Fatalf("expected claim to be rejected while lease is active")
	}

	now = now.Add(2 * time.Minute)
	reclaimID, accepted, err := store.Claim(context.Background(), "vbank:consent_status:key", time.Minute)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if !accepted || reclaimID == "" {
		t.Fatalf("expected claim recovery after lease expiry")
	}
	if reclaimID == claimID {
		t.Fatalf("expected new claim id after lease-expiry recovery")
	}
}

func TestDispatcher_RejectsInvalidInboundSignature(t *testing.T) {
	store := NewInMemoryClaimStore()
	handler := &stubInboundHandler{
		kind: KindConsentStatus,
		result: Result{
			Accepted:   true,
			StatusCode: 200,
		},
	}
	dispatcher := NewDispatcher(stubInboundVerifier{err: errors.New("invalid signature")}, store)
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	result, err := dispatcher.Dispatch(context.Background(), Request{
		InstitutionID: "vbank",
		Kind:          KindConsentStatus,
		Metadata: map[string]any{
			"delivery_id": "del-1",
		},
	})
	if err == nil {
		t.Fatalf("expected verifier failure")
	}
	if result.StatusCode != 401 {
		t.Fatalf("expected unauthorized status, got %d", result.StatusCode)
	}
	if handler.calls != 0 {
		t.Fatalf("expected handler not called on failed verification")
	}
}

func TestDispatcher_RegistrationAndRouting(t *testing.T) {
	dispatcher := NewDispatcher(nil, nil)
	handler := &stubInboundHandler{kind: KindConsentStatus, result: Result{Accepted: true, StatusCode: 200}}
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := dispatcher.Register(&stubInboundHandler{kind: " Consent_Status "}); err == nil {
		t.Fatalf("expected duplicate kind to be rejected")
	}
	if err := dispatcher.Register(&stubInboundHandler{kind: " "}); err == nil {
		t.Fatalf("expected blank kind to be rejected")
	}

	if _, err := dispatcher.Dispatch(context.Background(), Request{InstitutionID: "vbank", Kind: "account_update"}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if _, err := dispatcher.Dispatch(context.Background(), Request{Kind: KindConsentStatus}); err == nil {
		t.Fatalf("expected missing institution to fail")
	}

	result, err := dispatcher.Dispatch(context.Background(), Request{InstitutionID: " vbank ", Kind: "CONSENT_STATUS"})
	if err != nil {
		t.Fatalf("dispatch without store: %v", err)
	}
	if result.Metadata["institution_id"] != "vbank" || result.Metadata["kind"] != KindConsentStatus {
		t.Fatalf("unexpected metadata %#v", result.Metadata)
	}
}

func TestDispatcher_PermanentHandlerFailureSettlesClaim(t *testing.T) {
	store := NewInMemoryClaimStore()
	handler := &stubInboundHandler{
		kind: KindConsentStatus,
		err:  goerrors.New("consent not found", goerrors.CategoryNotFound).WithTextCode(core.ServiceErrorConsentNotFound),
	}
	dispatcher := NewDispatcher(nil, store)
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	req := Request{InstitutionID: "vbank", Kind: KindConsentStatus, Body: []byte("header.payload.signature")}

	_, err := dispatcher.Dispatch(context.Background(), req)
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ServiceErrorConsentNotFound {
		t.Fatalf("expected service text code to survive, got %v", err)
	}

	replay, err := dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Metadata["deduped"] != true || handler.calls != 1 {
		t.Fatalf("expected replay of a settled failure to be deduped, calls=%d", handler.calls)
	}
}

func TestDefaultIdempotencyKeyExtractor_Precedence(t *testing.T) {
	key, err := DefaultIdempotencyKeyExtractor(Request{
		Headers:  map[string]string{"Idempotency-Key": "hdr"},
		Metadata: map[string]any{"delivery_id": "meta"},
	})
	if err != nil || key != "meta" {
		t.Fatalf("expected metadata key first, got %q, %v", key, err)
	}
	key, _ = DefaultIdempotencyKeyExtractor(Request{Headers: map[string]string{"X-Request-Id": " r-1 "}})
	if key != "r-1" {
		t.Fatalf("expected header key, got %q", key)
	}
	first, _ := DefaultIdempotencyKeyExtractor(Request{Body: []byte("a.b.c")})
	second, _ := DefaultIdempotencyKeyExtractor(Request{Body: []byte("a.b.c")})
	if first == "" || first != second {
		t.Fatalf("expected stable body digest, got %q and %q", first, second)
	}
}

type stubInboundVerifier struct {
	err error
}

func (v stubInboundVerifier) Verify(context.Context, Request) error {
	return v.err
}

type stubInboundHandler struct {
	kind   string
	result Result
	err    error
	calls  int
}

func (h *stubInboundHandler) Kind() string {
	return h.kind
}

func (h *stubInboundHandler) Handle(context.Context, Request) (Result, error) {
	h.calls++
	if h.err != nil {
		return Result{}, h.err
	}
	return h.result, nil
}
