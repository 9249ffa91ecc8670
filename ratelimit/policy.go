package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/transport"
	"golang.org/x/time/rate"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the adaptive view of one institution's limits, rebuilt from
// response headers.
type State struct {
	InstitutionID  string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, institutionID string) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	InstitutionID string
	RetryAfter    time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: institution %q throttled for %s",
		strings.TrimSpace(e.InstitutionID),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"institution_id": strings.TrimSpace(e.InstitutionID),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ServiceErrorRateLimited).
		WithMetadata(metadata)
}

// InstitutionPolicy paces outbound calls per institution with a token
// bucket and backs off when an institution signals throttling.
type InstitutionPolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
	// Rate and Burst configure the per institution bucket. A zero Rate
	// disables pacing and leaves only the adaptive checks.
	Rate  rate.Limit
	Burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInstitutionPolicy(store StateStore) *InstitutionPolicy {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &InstitutionPolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
		Rate:             rate.Limit(10),
		Burst:            5,
		limiters:         map[string]*rate.Limiter{},
	}
}

func (p *InstitutionPolicy) BeforeCall(ctx context.Context, key string) error {
	if p == nil {
		return nil
	}
	key = normalizeKey(key)
	if p.Store != nil {
		state, err := p.Store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrStateNotFound):
		case err != nil:
			return err
		default:
			now := p.now()
			if until := state.ThrottledUntil; until != nil && now.Before(*until) {
				return ThrottledError{InstitutionID: key, RetryAfter: until.Sub(now)}
			}
			if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
				return ThrottledError{InstitutionID: key, RetryAfter: state.ResetAt.Sub(now)}
			}
		}
	}
	if limiter := p.limiter(key); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return ThrottledError{InstitutionID: key, RetryAfter: p.defaultRetryHint()}
		}
	}
	return nil
}

func (p *InstitutionPolicy) AfterCall(ctx context.Context, key string, res core.TransportResponse) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{InstitutionID: key}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	limit, hasLimit := parseHeaderInt(res.Headers, "x-ratelimit-limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasResetAt := parseHeaderResetAt(res.Headers)
	if hasResetAt {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := parseRetryAfter(res.Headers, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if isThrottledResponse(res.StatusCode, state.Remaining, hasRemaining || hasResetAt || hasLimit || hasRetryAfter, hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *InstitutionPolicy) limiter(key string) *rate.Limiter {
	if p.Rate <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limiters == nil {
		p.limiters = map[string]*rate.Limiter{}
	}
	limiter, ok := p.limiters[key]
	if !ok {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(p.Rate, burst)
		p.limiters[key] = limiter
	}
	return limiter
}

func (p *InstitutionPolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *InstitutionPolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return delay
}

func (p *InstitutionPolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// 503 with a Retry-After is treated as throttling; other 5xx are plain
// failures left to the caller.
func isThrottledResponse(statusCode int, remaining int, hasLimitHeaders bool, hasRetryAfter bool) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode == http.StatusServiceUnavailable && hasRetryAfter {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	return remaining == 0 && hasLimitHeaders
}

func parseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, institutionID string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(institutionID)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.InstitutionID = normalizeKey(state.InstitutionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.InstitutionID] = state
	return nil
}

var _ transport.CallPolicy = (*InstitutionPolicy)(nil)
