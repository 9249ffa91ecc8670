package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-multibank/core"
)

type MutatingService interface {
	RequestConsent(ctx context.Context, req core.RequestConsentRequest) (core.ConsentRequestResult, error)
	UpdateConsentStatus(ctx context.Context, update core.ConsentStatusUpdate) (core.ConsentGrant, error)
	ExpireStaleConsents(ctx context.Context) (int, error)
	ForceRefreshAllTokens(ctx context.Context) (int, error)
}

type RequestConsentCommand struct {
	service MutatingService
}

func NewRequestConsentCommand(service MutatingService) *RequestConsentCommand {
	return &RequestConsentCommand{service: service}
}

func (c *RequestConsentCommand) Execute(ctx context.Context, msg RequestConsentMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: consent service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.RequestConsent(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UpdateConsentStatusCommand struct {
	service MutatingService
}

func NewUpdateConsentStatusCommand(service MutatingService) *UpdateConsentStatusCommand {
	return &UpdateConsentStatusCommand{service: service}
}

func (c *UpdateConsentStatusCommand) Execute(ctx context.Context, msg UpdateConsentStatusMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: consent status service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.UpdateConsentStatus(ctx, msg.Update)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ExpireStaleConsentsCommand struct {
	service MutatingService
}

func NewExpireStaleConsentsCommand(service MutatingService) *ExpireStaleConsentsCommand {
	return &ExpireStaleConsentsCommand{service: service}
}

func (c *ExpireStaleConsentsCommand) Execute(ctx context.Context, _ ExpireStaleConsentsMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: consent expiry service is required")
	}
	expired, err := c.service.ExpireStaleConsents(ctx)
	storeResult(ctx, ExpireStaleConsentsResult{Expired: expired})
	return err
}

type RefreshTokensCommand struct {
	service MutatingService
}

func NewRefreshTokensCommand(service MutatingService) *RefreshTokensCommand {
	return &RefreshTokensCommand{service: service}
}

// Execute stores the partial count even when some institutions failed.
func (c *RefreshTokensCommand) Execute(ctx context.Context, _ RefreshTokensMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: token refresh service is required")
	}
	refreshed, err := c.service.ForceRefreshAllTokens(ctx)
	storeResult(ctx, RefreshTokensResult{Refreshed: refreshed})
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
