package multibank

import (
	"context"
	"testing"

	"github.com/goliatone/go-multibank/command"
	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/query"
	"github.com/shopspring/decimal"
)

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, err := NewFacade(&stubFacadeService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.RequestConsent == nil || commands.UpdateConsentStatus == nil ||
		commands.ExpireStaleConsents == nil || commands.RefreshTokens == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.Aggregate == nil || queries.GetActiveConsent == nil || queries.VerifyToken == nil {
		t.Fatalf("expected query handlers to be wired")
	}
	if facade.Service() == nil {
		t.Fatalf("expected service accessor")
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	if _, err := NewFacade(nil); err == nil {
		t.Fatalf("expected error for nil service")
	}
	var facade *Facade
	if facade.Service() != nil || facade.Commands().RefreshTokens != nil {
		t.Fatalf("expected zero values from nil facade")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	ctx := context.Background()

	if err := facade.Commands().RequestConsent.Execute(ctx, command.RequestConsentMessage{
		Request: core.RequestConsentRequest{UserID: "u1", InstitutionID: "vbank"},
	}); err != nil {
		t.Fatalf("execute request consent: %v", err)
	}
	if svc.lastConsentRequest.UserID != "u1" || svc.lastConsentRequest.InstitutionID != "vbank" {
		t.Fatalf("unexpected consent request delegation %#v", svc.lastConsentRequest)
	}

	if err := facade.Commands().UpdateConsentStatus.Execute(ctx, command.UpdateConsentStatusMessage{
		Update: core.ConsentStatusUpdate{InstitutionID: "vbank", ConsentID: "c1", Status: core.ConsentStatusApproved},
	}); err != nil {
		t.Fatalf("execute update status: %v", err)
	}
	if svc.lastUpdate.ConsentID != "c1" || svc.lastUpdate.Status != core.ConsentStatusApproved {
		t.Fatalf("unexpected status delegation %#v", svc.lastUpdate)
	}

	if err := facade.Commands().RefreshTokens.Execute(ctx, command.RefreshTokensMessage{}); err != nil {
		t.Fatalf("execute refresh: %v", err)
	}
	if err := facade.Commands().ExpireStaleConsents.Execute(ctx, command.ExpireStaleConsentsMessage{}); err != nil {
		t.Fatalf("execute expiry: %v", err)
	}
	if svc.refreshCalls != 1 || svc.expireCalls != 1 {
		t.Fatalf("expected one refresh and one expiry call, got %d and %d", svc.refreshCalls, svc.expireCalls)
	}

	aggregate, err := facade.Queries().Aggregate.Query(ctx, query.AggregateMessage{UserID: "u1"})
	if err != nil {
		t.Fatalf("aggregate query: %v", err)
	}
	if !aggregate.TotalBalance.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("unexpected aggregate total %s", aggregate.TotalBalance)
	}

	grant, err := facade.Queries().GetActiveConsent.Query(ctx, query.GetActiveConsentMessage{UserID: "u1", InstitutionID: "vbank"})
	if err != nil || grant == nil || grant.ConsentID != "c1" {
		t.Fatalf("unexpected active consent %#v, %v", grant, err)
	}

	claims, err := facade.Queries().VerifyToken.Query(ctx, query.VerifyTokenMessage{InstitutionID: "vbank", Token: "a.b.c"})
	if err != nil || claims.String("iss") != "vbank" {
		t.Fatalf("unexpected claims %#v, %v", claims, err)
	}
}

func TestFacade_QueryValidationStopsBeforeService(t *testing.T) {
	svc := &stubFacadeService{}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	if _, err := facade.Queries().Aggregate.Query(context.Background(), query.AggregateMessage{}); err == nil {
		t.Fatalf("expected validation error for blank user id")
	}
	if svc.aggregateCalls != 0 {
		t.Fatalf("expected service not to be called")
	}
}

type stubFacadeService struct {
	lastConsentRequest core.RequestConsentRequest
	lastUpdate         core.ConsentStatusUpdate
	refreshCalls       int
	expireCalls        int
	aggregateCalls     int
}

func (s *stubFacadeService) RequestConsent(_ context.Context, req core.RequestConsentRequest) (core.ConsentRequestResult, error) {
	s.lastConsentRequest = req
	return core.ConsentRequestResult{ConsentID: "c1"}, nil
}

func (s *stubFacadeService) UpdateConsentStatus(_ context.Context, update core.ConsentStatusUpdate) (core.ConsentGrant, error) {
	s.lastUpdate = update
	return core.ConsentGrant{ConsentID: update.ConsentID, Status: update.Status}, nil
}

func (s *stubFacadeService) ExpireStaleConsents(context.Context) (int, error) {
	s.expireCalls++
	return 0, nil
}

func (s *stubFacadeService) ForceRefreshAllTokens(context.Context) (int, error) {
	s.refreshCalls++
	return 1, nil
}

func (s *stubFacadeService) Aggregate(context.Context, string) (core.AggregateResult, error) {
	s.aggregateCalls++
	return core.AggregateResult{TotalBalance: decimal.NewFromInt(42), TotalAccountCount: 1, InstitutionsConnected: 1}, nil
}

func (s *stubFacadeService) GetActiveConsent(_ context.Context, userID string, institutionID string) (*core.ConsentGrant, error) {
	return &core.ConsentGrant{UserID: userID, InstitutionID: institutionID, ConsentID: "c1", Status: core.ConsentStatusApproved}, nil
}

func (s *stubFacadeService) VerifyToken(_ context.Context, institutionID string, _ string) (core.Claims, error) {
	return core.Claims{"iss": institutionID}, nil
}
