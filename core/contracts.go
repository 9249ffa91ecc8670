package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Repository interface {
	GetRequestingIdentity(ctx context.Context) (RequestingIdentity, error)
	ListTargetInstitutions(ctx context.Context) ([]TargetInstitution, error)
	GetTargetInstitution(ctx context.Context, id string) (TargetInstitution, error)
	// SaveTargetInstitution persists the token and its expiry together.
	SaveTargetInstitution(ctx context.Context, institution TargetInstitution) error
	GetConsent(ctx context.Context, userID string, institutionID string) (ConsentGrant, error)
	FindConsentByConsentID(ctx context.Context, institutionID string, consentID string) (ConsentGrant, error)
	// SaveConsent replaces any grant already stored for the same user and
	// institution.
	SaveConsent(ctx context.Context, grant ConsentGrant) error
	ListConsentsExpiringBefore(ctx context.Context, cutoff time.Time) ([]ConsentGrant, error)
}

type TokenExchanger interface {
	Exchange(ctx context.Context, identity RequestingIdentity, institution TargetInstitution) (IssuedToken, error)
}

type InstitutionAPI interface {
	CreateConsent(ctx context.Context, institution TargetInstitution, token string, requestingBank string, req ConsentCreation) (ConsentCreated, error)
	FetchAccounts(ctx context.Context, institution TargetInstitution, req AccountsRequest) ([]byte, error)
}

type KeySetSource interface {
	KeySet(ctx context.Context, institution TargetInstitution) ([]byte, error)
}

type KeySetInvalidator interface {
	InvalidateKeySet(ctx context.Context, institution TargetInstitution) error
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string, institution TargetInstitution) (Claims, error)
}

type AccountNormalizer interface {
	Code() string
	Normalize(institution TargetInstitution, body []byte, defaultCurrency string) (NormalizeResult, error)
}

type NormalizerRegistry interface {
	Resolve(code string) (AccountNormalizer, bool)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type RefreshLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type RefreshBackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	MaxResponseBodyBytes int64
	// LimitKey selects the outbound rate limit bucket, usually the
	// institution id.
	LimitKey string
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
