package query

import (
	"strings"

	"github.com/goliatone/go-multibank/core"
)

const (
	TypeAggregate        = "multibank.query.accounts.aggregate"
	TypeGetActiveConsent = "multibank.query.consent.active"
	TypeVerifyToken      = "multibank.query.token.verify"
)

type AggregateMessage struct {
	UserID string
}

func (AggregateMessage) Type() string { return TypeAggregate }

func (m AggregateMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldError("query", "user_id", "user id is required")
	}
	return nil
}

type GetActiveConsentMessage struct {
	UserID        string
	InstitutionID string
}

func (GetActiveConsentMessage) Type() string { return TypeGetActiveConsent }

func (m GetActiveConsentMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldError("query", "user_id", "user id is required")
	}
	if strings.TrimSpace(m.InstitutionID) == "" {
		return core.FieldError("query", "institution_id", "institution id is required")
	}
	return nil
}

type VerifyTokenMessage struct {
	InstitutionID string
	Token         string
}

func (VerifyTokenMessage) Type() string { return TypeVerifyToken }

func (m VerifyTokenMessage) Validate() error {
	if strings.TrimSpace(m.InstitutionID) == "" {
		return core.FieldError("query", "institution_id", "institution id is required")
	}
	if strings.TrimSpace(m.Token) == "" {
		return core.FieldError("query", "token", "token is required")
	}
	return nil
}
