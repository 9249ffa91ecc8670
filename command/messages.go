package command

import (
	"strings"

	"github.com/goliatone/go-multibank/core"
)

const (
	TypeRequestConsent      = "multibank.command.consent.request"
	TypeUpdateConsentStatus = "multibank.command.consent.update_status"
	TypeExpireStaleConsents = "multibank.command.consent.expire_stale"
	TypeRefreshTokens       = "multibank.command.tokens.refresh_all"
)

type RequestConsentMessage struct {
	Request core.RequestConsentRequest
}

func (RequestConsentMessage) Type() string { return TypeRequestConsent }

func (m RequestConsentMessage) Validate() error {
	if strings.TrimSpace(m.Request.UserID) == "" {
		return core.FieldError("command", "user_id", "user id is required")
	}
	if strings.TrimSpace(m.Request.InstitutionID) == "" {
		return core.FieldError("command", "institution_id", "institution id is required")
	}
	return nil
}

type UpdateConsentStatusMessage struct {
	Update core.ConsentStatusUpdate
}

func (UpdateConsentStatusMessage) Type() string { return TypeUpdateConsentStatus }

func (m UpdateConsentStatusMessage) Validate() error {
	if strings.TrimSpace(m.Update.InstitutionID) == "" {
		return core.FieldError("command", "institution_id", "institution id is required")
	}
	if strings.TrimSpace(m.Update.ConsentID) == "" {
		return core.FieldError("command", "consent_id", "consent id is required")
	}
	if !m.Update.Status.Valid() {
		return core.FieldError("command", "status", "status must be one of PENDING, APPROVED, REJECTED, EXPIRED")
	}
	return nil
}

type ExpireStaleConsentsMessage struct{}

func (ExpireStaleConsentsMessage) Type() string { return TypeExpireStaleConsents }

func (ExpireStaleConsentsMessage) Validate() error { return nil }

// RefreshTokensMessage forces a token refresh for every institution.
type RefreshTokensMessage struct{}

func (RefreshTokensMessage) Type() string { return TypeRefreshTokens }

func (RefreshTokensMessage) Validate() error { return nil }

type RefreshTokensResult struct {
	Refreshed int
}

type ExpireStaleConsentsResult struct {
	Expired int
}
