package multibank

import (
	"fmt"

	"github.com/goliatone/go-multibank/command"
	"github.com/goliatone/go-multibank/query"
)

// CommandQueryService is everything the facade handlers call.
type CommandQueryService interface {
	command.MutatingService
	query.AccountsReader
	query.ConsentReader
	query.TokenVerifier
}

type Commands struct {
	RequestConsent      *command.RequestConsentCommand
	UpdateConsentStatus *command.UpdateConsentStatusCommand
	ExpireStaleConsents *command.ExpireStaleConsentsCommand
	RefreshTokens       *command.RefreshTokensCommand
}

type Queries struct {
	Aggregate        *query.AggregateQuery
	GetActiveConsent *query.GetActiveConsentQuery
	VerifyToken      *query.VerifyTokenQuery
}

// Facade exposes the caller facing operations as go-command handlers.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("multibank: command/query service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			RequestConsent:      command.NewRequestConsentCommand(service),
			UpdateConsentStatus: command.NewUpdateConsentStatusCommand(service),
			ExpireStaleConsents: command.NewExpireStaleConsentsCommand(service),
			RefreshTokens:       command.NewRefreshTokensCommand(service),
		},
		queries: Queries{
			Aggregate:        query.NewAggregateQuery(service),
			GetActiveConsent: query.NewGetActiveConsentQuery(service),
			VerifyToken:      query.NewVerifyTokenQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Service)(nil)
