package query

import (
	"context"

	"github.com/goliatone/go-multibank/core"
)

type AccountsReader interface {
	Aggregate(ctx context.Context, userID string) (core.AggregateResult, error)
}

type ConsentReader interface {
	GetActiveConsent(ctx context.Context, userID string, institutionID string) (*core.ConsentGrant, error)
}

type TokenVerifier interface {
	VerifyToken(ctx context.Context, institutionID string, token string) (core.Claims, error)
}

type AggregateQuery struct {
	reader AccountsReader
}

func NewAggregateQuery(reader AccountsReader) *AggregateQuery {
	return &AggregateQuery{reader: reader}
}

func (q *AggregateQuery) Query(ctx context.Context, msg AggregateMessage) (core.AggregateResult, error) {
	if q == nil || q.reader == nil {
		return core.AggregateResult{}, core.MissingDependencyError("query: accounts reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.AggregateResult{}, err
	}
	return q.reader.Aggregate(ctx, msg.UserID)
}

// GetActiveConsentQuery yields nil when the user holds no usable grant.
type GetActiveConsentQuery struct {
	reader ConsentReader
}

func NewGetActiveConsentQuery(reader ConsentReader) *GetActiveConsentQuery {
	return &GetActiveConsentQuery{reader: reader}
}

func (q *GetActiveConsentQuery) Query(ctx context.Context, msg GetActiveConsentMessage) (*core.ConsentGrant, error) {
	if q == nil || q.reader == nil {
		return nil, core.MissingDependencyError("query: consent reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.GetActiveConsent(ctx, msg.UserID, msg.InstitutionID)
}

type VerifyTokenQuery struct {
	verifier TokenVerifier
}

func NewVerifyTokenQuery(verifier TokenVerifier) *VerifyTokenQuery {
	return &VerifyTokenQuery{verifier: verifier}
}

func (q *VerifyTokenQuery) Query(ctx context.Context, msg VerifyTokenMessage) (core.Claims, error) {
	if q == nil || q.verifier == nil {
		return nil, core.MissingDependencyError("query: token verifier is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.verifier.VerifyToken(ctx, msg.InstitutionID, msg.Token)
}
