package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput                 = "MULTIBANK_BAD_INPUT"
	ServiceErrorInstitutionNotFound      = "MULTIBANK_INSTITUTION_NOT_FOUND"
	ServiceErrorConsentNotFound          = "MULTIBANK_CONSENT_NOT_FOUND"
	ServiceErrorConsentExpired           = "MULTIBANK_CONSENT_EXPIRED"
	ServiceErrorConsentTransition        = "MULTIBANK_CONSENT_TRANSITION_INVALID"
	ServiceErrorTokenUnavailable         = "MULTIBANK_TOKEN_UNAVAILABLE"
	ServiceErrorConsentRequestFailed     = "MULTIBANK_CONSENT_REQUEST_FAILED"
	ServiceErrorVerificationFailed       = "MULTIBANK_VERIFICATION_FAILED"
	ServiceErrorInstitutionFetchFailed   = "MULTIBANK_INSTITUTION_FETCH_FAILED"
	ServiceErrorRefreshLocked            = "MULTIBANK_REFRESH_LOCKED"
	ServiceErrorRateLimited              = "MULTIBANK_RATE_LIMITED"
	ServiceErrorInternal                 = "MULTIBANK_INTERNAL_ERROR"
	ServiceErrorIdentityNotConfigured    = "MULTIBANK_IDENTITY_NOT_CONFIGURED"
	ServiceErrorNormalizerNotRegistered  = "MULTIBANK_NORMALIZER_NOT_REGISTERED"
	ServiceErrorVerificationKeyNotFound  = "KEY_NOT_FOUND"
	ServiceErrorVerificationSignature    = "SIGNATURE_INVALID"
	ServiceErrorVerificationExpired      = "EXPIRED"
	ServiceErrorVerificationMalformed    = "MALFORMED"
	ServiceErrorVerificationClaims       = "CLAIMS_INVALID"
	ServiceErrorVerificationKeySetFailed = "KEY_SET_UNAVAILABLE"
)

var (
	ErrInstitutionNotFound            = errors.New("core: institution not found")
	ErrConsentNotFound                = errors.New("core: consent not found")
	ErrConsentExpired                 = errors.New("core: consent expired")
	ErrInvalidConsentStatusTransition = errors.New("core: invalid consent status transition")
	ErrIdentityNotConfigured          = errors.New("core: requesting identity not configured")
	ErrRefreshLockHeld                = errors.New("core: refresh lock already held")
)

type VerificationFailureKind string

const (
	VerificationKeyNotFound       VerificationFailureKind = ServiceErrorVerificationKeyNotFound
	VerificationSignatureInvalid  VerificationFailureKind = ServiceErrorVerificationSignature
	VerificationExpired           VerificationFailureKind = ServiceErrorVerificationExpired
	VerificationMalformed         VerificationFailureKind = ServiceErrorVerificationMalformed
	VerificationClaimsInvalid     VerificationFailureKind = ServiceErrorVerificationClaims
	VerificationKeySetUnavailable VerificationFailureKind = ServiceErrorVerificationKeySetFailed
)

type TokenUnavailableError struct {
	InstitutionID string
	Institution   string
	Err           error
}

func (e *TokenUnavailableError) Error() string {
	return fmt.Sprintf("core: token unavailable for institution %q: %v", e.Institution, e.Err)
}

func (e *TokenUnavailableError) Unwrap() error { return e.Err }

func (e *TokenUnavailableError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ServiceErrorTokenUnavailable).
		WithMetadata(map[string]any{
			"institution_id": e.InstitutionID,
			"institution":    e.Institution,
		})
}

type ConsentRequestError struct {
	UserID        string
	InstitutionID string
	StatusCode    int
	Err           error
}

func (e *ConsentRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("core: consent request to institution %q failed with status %d: %v", e.InstitutionID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("core: consent request to institution %q failed: %v", e.InstitutionID, e.Err)
}

func (e *ConsentRequestError) Unwrap() error { return e.Err }

func (e *ConsentRequestError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ServiceErrorConsentRequestFailed).
		WithMetadata(map[string]any{
			"institution_id":  e.InstitutionID,
			"user_id":         e.UserID,
			"upstream_status": e.StatusCode,
		})
}

type VerificationError struct {
	Kind          VerificationFailureKind
	InstitutionID string
	Err           error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("core: token verification failed (%s)", strings.ToLower(string(e.Kind)))
	}
	return fmt.Sprintf("core: token verification failed (%s): %v", strings.ToLower(string(e.Kind)), e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func (e *VerificationError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(ServiceErrorVerificationFailed).
		WithMetadata(map[string]any{
			"kind":           string(e.Kind),
			"institution_id": e.InstitutionID,
		})
}

type InstitutionFetchError struct {
	InstitutionID string
	Institution   string
	StatusCode    int
	Err           error
}

func (e *InstitutionFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("core: fetch from institution %q failed with status %d: %v", e.Institution, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("core: fetch from institution %q failed: %v", e.Institution, e.Err)
}

func (e *InstitutionFetchError) Unwrap() error { return e.Err }

func (e *InstitutionFetchError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ServiceErrorInstitutionFetchFailed).
		WithMetadata(map[string]any{
			"institution_id":  e.InstitutionID,
			"institution":     e.Institution,
			"upstream_status": e.StatusCode,
		})
}

// VerificationKind extracts the failure kind from err, if it carries one.
func VerificationKind(err error) (VerificationFailureKind, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == ServiceErrorVerificationFailed {
		if kind, ok := rich.Metadata["kind"].(string); ok {
			return VerificationFailureKind(kind), true
		}
	}
	return "", false
}

type serviceErrorConvertible interface {
	ToServiceError() *goerrors.Error
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	var convertible serviceErrorConvertible
	if errors.As(err, &convertible) {
		return ensureServiceErrorEnvelope(convertible.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrInstitutionNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorInstitutionNotFound)
	case errors.Is(err, ErrConsentNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorConsentNotFound)
	case errors.Is(err, ErrConsentExpired):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorConsentExpired)
	case errors.Is(err, ErrInvalidConsentStatusTransition):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorConsentTransition)
	case errors.Is(err, ErrIdentityNotConfigured):
		return newServiceError(err.Error(), goerrors.CategoryInternal, ServiceErrorIdentityNotConfigured)
	case errors.Is(err, ErrRefreshLockHeld):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorRefreshLocked)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ServiceErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorInstitutionNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ServiceErrorVerificationFailed
	case goerrors.CategoryConflict:
		return ServiceErrorRefreshLocked
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	case goerrors.CategoryExternal:
		return ServiceErrorInstitutionFetchFailed
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MissingDependencyError reports a handler or component built without one of
// its collaborators.
func MissingDependencyError(message string) *goerrors.Error {
	return newServiceError(message, goerrors.CategoryInternal, ServiceErrorInternal)
}

// FieldError reports one invalid message field. Scope prefixes the message,
// e.g. "command" or "query".
func FieldError(scope string, field string, message string) *goerrors.Error {
	err := goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).WithSeverity(goerrors.SeverityError)
	return ensureServiceErrorEnvelope(err.WithTextCode(ServiceErrorBadInput))
}
