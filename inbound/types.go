package inbound

import (
	"context"
	"time"
)

const (
	KindConsentStatus = "consent_status"
)

// Request is one callback delivered by an institution.
type Request struct {
	InstitutionID string
	Kind          string
	Headers       map[string]string
	Body          []byte
	Metadata      map[string]any
}

type Result struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type Handler interface {
	Kind() string
	Handle(ctx context.Context, req Request) (Result, error)
}

type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// ClaimStore tracks callback deliveries by idempotency key.
type ClaimStore interface {
	Claim(ctx context.Context, key string, lease time.Duration) (claimID string, accepted bool, err error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, retryAt time.Time) error
}
