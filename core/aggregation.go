package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type AggregatorDeps struct {
	Repository  Repository
	API         InstitutionAPI
	Tokens      *TokenManager
	Consents    *ConsentManager
	Normalizers NormalizerRegistry
	Logger      Logger
	Metrics     MetricsRecorder
}

// Aggregator fans out to every institution for one user and merges what
// comes back. A failing institution is logged and left out of the result;
// it never fails the aggregate.
type Aggregator struct {
	repository  Repository
	api         InstitutionAPI
	tokens      *TokenManager
	consents    *ConsentManager
	normalizers NormalizerRegistry
	fanOut      int
	timeout     time.Duration
	currency    string

	telemetry
}

func NewAggregator(cfg Config, deps AggregatorDeps) (*Aggregator, error) {
	switch {
	case deps.Repository == nil:
		return nil, fmt.Errorf("core: aggregator repository is required")
	case deps.API == nil:
		return nil, fmt.Errorf("core: aggregator institution api is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("core: aggregator token manager is required")
	case deps.Consents == nil:
		return nil, fmt.Errorf("core: aggregator consent manager is required")
	case deps.Normalizers == nil:
		return nil, fmt.Errorf("core: aggregator normalizer registry is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if currency == "" {
		currency = defaultCurrency
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Aggregator{
		repository:  deps.Repository,
		api:         deps.API,
		tokens:      deps.Tokens,
		consents:    deps.Consents,
		normalizers: deps.Normalizers,
		fanOut:      intOr(cfg.FanOutLimit, defaultFanOutLimit),
		timeout:     positiveOr(cfg.InstitutionTimeout, defaultInstitutionTimeout),
		currency:    currency,
		telemetry:   telemetry{logger: deps.Logger, metrics: metrics},
	}, nil
}

// Aggregate returns the merged view of the user's accounts. An error is
// only returned for an empty user id or when the institution list cannot
// be loaded. Without a requesting identity, institutions reached through
// an interbank consent are skipped like any other failed peer.
func (a *Aggregator) Aggregate(ctx context.Context, userID string) (AggregateResult, error) {
	if a == nil {
		return AggregateResult{}, fmt.Errorf("core: aggregator is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AggregateResult{}, fmt.Errorf("core: user id is required")
	}
	institutions, err := a.repository.ListTargetInstitutions(ctx)
	if err != nil {
		return AggregateResult{}, err
	}
	identity, err := a.repository.GetRequestingIdentity(ctx)
	if err != nil {
		a.logWarn(ctx, "requesting identity unavailable", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		})
		identity = RequestingIdentity{}
	}

	collected := make([][]NormalizedAccount, len(institutions))
	succeeded := make([]bool, len(institutions))

	// Peers are independent: a plain group so one failure never cancels
	// the others, only the caller's ctx does.
	group := new(errgroup.Group)
	group.SetLimit(a.fanOut)
	for i, institution := range institutions {
		group.Go(func() error {
			accounts, err := a.collect(ctx, userID, identity, institution)
			if err != nil {
				fields := institutionFields(institution)
				fields["user_id"] = userID
				fields["error"] = err.Error()
				a.logWarn(ctx, "institution skipped", fields)
				a.recordCounter(ctx, metricInstitutionFailed, 1, institutionTags(institution))
				return nil
			}
			collected[i] = accounts
			succeeded[i] = true
			return nil
		})
	}
	_ = group.Wait()

	return mergeAccounts(collected, succeeded), nil
}

func (a *Aggregator) collect(ctx context.Context, userID string, identity RequestingIdentity, institution TargetInstitution) ([]NormalizedAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	startedAt := time.Now()
	defer func() {
		a.recordHistogram(ctx, metricInstitutionFetch, float64(time.Since(startedAt).Milliseconds()), institutionTags(institution))
	}()

	token, err := a.tokens.GetToken(ctx, institution, false)
	if err != nil {
		return nil, err
	}
	route, err := a.resolveRoute(ctx, userID, institution)
	if err != nil {
		return nil, err
	}
	if route.Mode == RouteInterbank && strings.TrimSpace(identity.ClientID) == "" {
		return nil, &InstitutionFetchError{InstitutionID: institution.ID, Institution: institution.Label(), Err: ErrIdentityNotConfigured}
	}
	body, err := a.api.FetchAccounts(ctx, institution, AccountsRequest{
		Token:          token,
		Route:          route,
		RequestingBank: identity.ClientID,
	})
	if err != nil {
		var fetchErr *InstitutionFetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &InstitutionFetchError{InstitutionID: institution.ID, Institution: institution.Label(), Err: err}
	}

	normalizer, ok := a.normalizers.Resolve(institution.Code)
	if !ok {
		return nil, &InstitutionFetchError{
			InstitutionID: institution.ID,
			Institution:   institution.Label(),
			Err:           fmt.Errorf("core: no normalizer registered for code %q", institution.Code),
		}
	}
	result, err := normalizer.Normalize(institution, body, a.currency)
	if err != nil {
		return nil, &InstitutionFetchError{InstitutionID: institution.ID, Institution: institution.Label(), Err: err}
	}
	for _, warning := range result.Warnings {
		fields := institutionFields(institution)
		fields["warning"] = warning
		a.logWarn(ctx, "account data defaulted", fields)
		a.recordCounter(ctx, metricBalanceDefaulted, 1, institutionTags(institution))
	}
	return result.Accounts, nil
}

// resolveRoute picks how the accounts call is authorised. With an active
// consent the call is interbank; without one it targets the caller's own
// accounts at the institution.
func (a *Aggregator) resolveRoute(ctx context.Context, userID string, institution TargetInstitution) (RequestRoute, error) {
	grant, err := a.consents.GetActiveConsent(ctx, userID, institution.ID)
	if err != nil {
		return RequestRoute{}, err
	}
	if grant == nil {
		return OwnInstitutionRoute(), nil
	}
	return InterbankRoute(*grant), nil
}

func mergeAccounts(collected [][]NormalizedAccount, succeeded []bool) AggregateResult {
	result := AggregateResult{
		TotalBalance: decimal.Zero,
		Accounts:     []NormalizedAccount{},
	}
	for i, accounts := range collected {
		if !succeeded[i] {
			continue
		}
		result.InstitutionsConnected++
		for _, account := range accounts {
			result.TotalBalance = result.TotalBalance.Add(account.Balance)
			result.TotalAccountCount++
			result.Accounts = append(result.Accounts, account)
		}
	}
	return result
}
