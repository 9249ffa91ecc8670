package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-multibank/core"
	"golang.org/x/time/rate"
)

func newTestPolicy(now *time.Time) (*InstitutionPolicy, *MemoryStateStore) {
	store := NewMemoryStateStore()
	policy := NewInstitutionPolicy(store)
	policy.Rate = 0
	policy.Now = func() time.Time { return *now }
	return policy, store
}

func TestInstitutionPolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewInstitutionPolicy(NewMemoryStateStore())
	if err := policy.BeforeCall(context.Background(), "vbank"); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestInstitutionPolicy_AfterCallParsesHeadersAndPersistsState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)

	resetAt := now.Add(45 * time.Second)
	err := policy.AfterCall(context.Background(), "VBank", core.TransportResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "100",
			"X-RateLimit-Remaining": "99",
			"X-RateLimit-Reset":     "1700000045",
		},
	})
	if err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), "vbank")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 100 || state.Remaining != 99 {
		t.Fatalf("unexpected limits %+v", state)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(resetAt) {
		t.Fatalf("expected reset at %s, got %+v", resetAt, state.ResetAt)
	}
}

func TestInstitutionPolicy_BlocksWhenThrottleWindowIsActive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)

	until := now.Add(20 * time.Second)
	if err := store.Upsert(context.Background(), State{InstitutionID: "abank", ThrottledUntil: &until}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	err := policy.BeforeCall(context.Background(), "abank")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %T", err)
	}
	if throttled.RetryAfter != 20*time.Second {
		t.Fatalf("expected 20s retry, got %s", throttled.RetryAfter)
	}
	if err := policy.BeforeCall(context.Background(), "sbank"); err != nil {
		t.Fatalf("other institutions must stay open, got %v", err)
	}
}

func TestInstitutionPolicy_429UsesRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)

	if err := policy.AfterCall(context.Background(), "abank", core.TransportResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "10"},
	}); err != nil {
		t.Fatalf("after call throttled: %v", err)
	}

	state, _ := store.Get(context.Background(), "abank")
	if state.Attempts != 1 || state.ThrottledUntil == nil {
		t.Fatalf("expected throttled state, got %+v", state)
	}
	if got := state.ThrottledUntil.Sub(now); got != 10*time.Second {
		t.Fatalf("expected throttled window of 10s, got %s", got)
	}
}

func TestInstitutionPolicy_503WithRetryAfterThrottles(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)

	if err := policy.AfterCall(context.Background(), "abank", core.TransportResponse{
		StatusCode: http.StatusServiceUnavailable,
		Headers:    map[string]string{"Retry-After": "3"},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	state, _ := store.Get(context.Background(), "abank")
	if state.ThrottledUntil == nil {
		t.Fatalf("expected 503 with Retry-After to throttle")
	}

	if err := policy.AfterCall(context.Background(), "sbank", core.TransportResponse{StatusCode: http.StatusBadGateway}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	state, _ = store.Get(context.Background(), "sbank")
	if state.ThrottledUntil != nil {
		t.Fatalf("plain 5xx must not throttle")
	}
}

func TestInstitutionPolicy_AdaptiveBackoffAndReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)
	policy.InitialBackoff = 2 * time.Second
	policy.MaxBackoff = 30 * time.Second

	ctx := context.Background()
	_ = policy.AfterCall(ctx, "abank", core.TransportResponse{StatusCode: http.StatusTooManyRequests})
	now = now.Add(3 * time.Second)
	_ = policy.AfterCall(ctx, "abank", core.TransportResponse{StatusCode: http.StatusTooManyRequests})

	state, _ := store.Get(ctx, "abank")
	if state.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", state.Attempts)
	}
	if got := state.ThrottledUntil.Sub(now); got != 4*time.Second {
		t.Fatalf("expected adaptive delay of 4s, got %s", got)
	}

	now = now.Add(5 * time.Second)
	_ = policy.AfterCall(ctx, "abank", core.TransportResponse{StatusCode: http.StatusOK})
	state, _ = store.Get(ctx, "abank")
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected reset after success, got %+v", state)
	}
}

func TestInstitutionPolicy_TokenBucketHonorsContext(t *testing.T) {
	policy := NewInstitutionPolicy(nil)
	policy.Rate = rate.Every(time.Hour)
	policy.Burst = 1

	if err := policy.BeforeCall(context.Background(), "abank"); err != nil {
		t.Fatalf("first call within burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := policy.BeforeCall(ctx, "abank")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected bucket exhaustion to throttle, got %v", err)
	}
}

func TestThrottledError_ToServiceError(t *testing.T) {
	mapped := ThrottledError{InstitutionID: "abank", RetryAfter: 3 * time.Second}.ToServiceError()
	if mapped.TextCode != core.ServiceErrorRateLimited {
		t.Fatalf("expected %q text code, got %q", core.ServiceErrorRateLimited, mapped.TextCode)
	}
	if mapped.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status code 429, got %d", mapped.Code)
	}
	if mapped.Metadata["retry_after_ms"] != int64(3000) {
		t.Fatalf("expected retry metadata, got %v", mapped.Metadata)
	}
}
