package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExchanger struct {
	mu        sync.Mutex
	calls     map[string]int
	expiresIn time.Duration
	delay     time.Duration
	errFor    map[string]error
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{calls: map[string]int{}, errFor: map[string]error{}}
}

func (f *fakeExchanger) Exchange(_ context.Context, identity RequestingIdentity, institution TargetInstitution) (IssuedToken, error) {
	f.mu.Lock()
	f.calls[institution.ID]++
	n := f.calls[institution.ID]
	err := f.errFor[institution.ID]
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return IssuedToken{}, err
	}
	if identity.ClientID == "" {
		return IssuedToken{}, fmt.Errorf("missing client id")
	}
	return IssuedToken{
		AccessToken: fmt.Sprintf("token-%s-%d", institution.ID, n),
		TokenType:   "bearer",
		ExpiresIn:   f.expiresIn,
	}, nil
}

func (f *fakeExchanger) Calls(institutionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[institutionID]
}

type consentCall struct {
	InstitutionID  string
	Token          string
	RequestingBank string
	Request        ConsentCreation
}

type fakeInstitutionAPI struct {
	mu           sync.Mutex
	consentCalls []consentCall
	consentIDs   []string
	consentErr   error
	bodies       map[string]string
	fetchErr     map[string]error
	requests     map[string]AccountsRequest
	delay        time.Duration
	delays       map[string]time.Duration
	cancelled    int
	inFlight     int
	maxInFlight  int
}

func newFakeInstitutionAPI() *fakeInstitutionAPI {
	return &fakeInstitutionAPI{
		bodies:   map[string]string{},
		fetchErr: map[string]error{},
		requests: map[string]AccountsRequest{},
		delays:   map[string]time.Duration{},
	}
}

func (f *fakeInstitutionAPI) CreateConsent(_ context.Context, institution TargetInstitution, token string, requestingBank string, req ConsentCreation) (ConsentCreated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consentCalls = append(f.consentCalls, consentCall{
		InstitutionID:  institution.ID,
		Token:          token,
		RequestingBank: requestingBank,
		Request:        req,
	})
	if f.consentErr != nil {
		return ConsentCreated{}, f.consentErr
	}
	id := fmt.Sprintf("consent-%d", len(f.consentCalls))
	if len(f.consentIDs) > 0 {
		id = f.consentIDs[0]
		f.consentIDs = f.consentIDs[1:]
	}
	return ConsentCreated{ConsentID: id, ApprovalURL: "https://bank.example/approve/" + id}, nil
}

func (f *fakeInstitutionAPI) FetchAccounts(ctx context.Context, institution TargetInstitution, req AccountsRequest) ([]byte, error) {
	f.mu.Lock()
	f.requests[institution.ID] = req
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	body, hasBody := f.bodies[institution.ID]
	err := f.fetchErr[institution.ID]
	delay := f.delay
	if own, ok := f.delays[institution.ID]; ok {
		delay = own
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !hasBody {
		return nil, &InstitutionFetchError{InstitutionID: institution.ID, Institution: institution.Label(), StatusCode: 404, Err: fmt.Errorf("no accounts")}
	}
	return []byte(body), nil
}

func (f *fakeInstitutionAPI) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeInstitutionAPI) Request(institutionID string) (AccountsRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[institutionID]
	return req, ok
}

// jsonNormalizer reads the plain accounts shape used throughout these tests.
type jsonNormalizer struct{}

func (jsonNormalizer) Code() string { return "test" }

func (jsonNormalizer) Normalize(institution TargetInstitution, body []byte, currency string) (NormalizeResult, error) {
	var payload struct {
		Accounts []struct {
			AccountID string          `json:"account_id"`
			Balance   json.RawMessage `json:"balance"`
			Currency  string          `json:"currency"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizeResult{}, err
	}
	if payload.Accounts == nil {
		return NormalizeResult{}, fmt.Errorf("accounts missing")
	}
	result := NormalizeResult{}
	for _, account := range payload.Accounts {
		balance := decimal.Zero
		var amount struct {
			Amount json.Number `json:"amount"`
		}
		if err := json.Unmarshal(account.Balance, &amount); err == nil && amount.Amount != "" {
			if parsed, err := decimal.NewFromString(amount.Amount.String()); err == nil {
				balance = parsed
			} else {
				result.Warnings = append(result.Warnings, "bad balance")
			}
		} else {
			result.Warnings = append(result.Warnings, "bad balance")
		}
		accountCurrency := account.Currency
		if accountCurrency == "" {
			accountCurrency = currency
		}
		result.Accounts = append(result.Accounts, NormalizedAccount{
			SourceInstitution: institution.Label(),
			InstitutionID:     institution.ID,
			InstitutionCode:   institution.Code,
			AccountID:         account.AccountID,
			Balance:           balance,
			Currency:          accountCurrency,
		})
	}
	return result, nil
}

func testCatalog(t *testing.T) *NormalizerCatalog {
	t.Helper()
	return NewNormalizerCatalog(jsonNormalizer{})
}

func seedRepository(t *testing.T, institutions ...TargetInstitution) *MemoryRepository {
	t.Helper()
	repo := NewMemoryRepository()
	if err := repo.SetRequestingIdentity(RequestingIdentity{
		ID:           "rb",
		Name:         "Team Bank",
		ClientID:     "team-042",
		ClientSecret: "s3cret",
	}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	for _, institution := range institutions {
		if err := repo.SaveTargetInstitution(context.Background(), institution); err != nil {
			t.Fatalf("seed institution %s: %v", institution.ID, err)
		}
	}
	return repo
}

func testInstitution(id string) TargetInstitution {
	return TargetInstitution{
		ID:           id,
		Name:         "Bank " + id,
		Code:         id,
		AuthEndpoint: "https://" + id + ".example/auth/bank-token",
		APIBaseURL:   "https://" + id + ".example",
	}
}

func expiringAt(t time.Time) *time.Time {
	return &t
}

type managerSet struct {
	clock      *testClock
	repo       *MemoryRepository
	exchanger  *fakeExchanger
	api        *fakeInstitutionAPI
	tokens     *TokenManager
	consents   *ConsentManager
	aggregator *Aggregator
}

func newManagerSet(t *testing.T, cfg Config, institutions ...TargetInstitution) *managerSet {
	t.Helper()
	set := &managerSet{
		clock:     newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		repo:      seedRepository(t, institutions...),
		exchanger: newFakeExchanger(),
		api:       newFakeInstitutionAPI(),
	}
	var err error
	set.tokens, err = NewTokenManager(cfg, TokenManagerDeps{
		Repository: set.repo,
		Exchanger:  set.exchanger,
		Clock:      set.clock.Now,
	})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	set.consents, err = NewConsentManager(cfg, ConsentManagerDeps{
		Repository: set.repo,
		API:        set.api,
		Tokens:     set.tokens,
		Clock:      set.clock.Now,
	})
	if err != nil {
		t.Fatalf("new consent manager: %v", err)
	}
	set.aggregator, err = NewAggregator(cfg, AggregatorDeps{
		Repository:  set.repo,
		API:         set.api,
		Tokens:      set.tokens,
		Consents:    set.consents,
		Normalizers: testCatalog(t),
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return set
}
