package multibank_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	multibank "github.com/goliatone/go-multibank"
	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/inbound"
	"github.com/goliatone/go-multibank/webhooks"
	"github.com/shopspring/decimal"
)

type fakeInstitution struct {
	code         string
	accountsBody string
	key          *rsa.PrivateKey
	server       *httptest.Server

	mu             sync.Mutex
	tokenCalls     int
	consentBodies  []map[string]any
	accountHeaders []http.Header
}

func newFakeInstitution(t *testing.T, code string, accountsBody string) *fakeInstitution {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	inst := &fakeInstitution{code: code, accountsBody: accountsBody, key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("client_id") != "team042" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		inst.mu.Lock()
		inst.tokenCalls++
		inst.mu.Unlock()
		writeJSON(w, map[string]any{"access_token": code + "-token", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/account-consents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+code+"-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		inst.mu.Lock()
		inst.consentBodies = append(inst.consentBodies, body)
		inst.mu.Unlock()
		writeJSON(w, map[string]any{"data": map[string]any{
			"consent_id":   code + "-consent-1",
			"approval_url": "https://" + code + ".test/approve/" + code + "-consent-1",
		}})
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		inst.mu.Lock()
		inst.accountHeaders = append(inst.accountHeaders, r.Header.Clone())
		inst.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(accountsBody))
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     code + "-k1",
			Algorithm: "RS256",
			Use:       "sig",
		}}})
	})
	inst.server = httptest.NewServer(mux)
	t.Cleanup(inst.server.Close)
	return inst
}

func (f *fakeInstitution) record() core.TargetInstitution {
	return core.TargetInstitution{
		ID:           f.code,
		Name:         f.code,
		Code:         f.code,
		AuthEndpoint: f.server.URL + "/auth/token",
		APIBaseURL:   f.server.URL,
	}
}

func (f *fakeInstitution) signCallback(t *testing.T, consentID string, status string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":        f.code,
		"consent_id": consentID,
		"status":     status,
		"iat":        time.Now().Add(-time.Minute).Unix(),
		"exp":        time.Now().Add(5 * time.Minute).Unix(),
	})
	token.Header["kid"] = f.code + "-k1"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign callback: %v", err)
	}
	return signed
}

func (f *fakeInstitution) tokenExchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeInstitution) lastAccountHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accountHeaders) == 0 {
		return http.Header{}
	}
	return f.accountHeaders[len(f.accountHeaders)-1]
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestStack_ConsentCallbackThenAggregate(t *testing.T) {
	ctx := context.Background()
	vbank := newFakeInstitution(t, "vbank", `{"accounts":[{"account_id":"v1","balance":{"amount":"1000.50"},"currency":"RUB","account_type":"Personal"}]}`)
	abank := newFakeInstitution(t, "abank", `{"data":{"account":[{"accountId":"a1","currency":"RUB","balances":[{"type":"InterimAvailable","amount":{"amount":"250","currency":"RUB"}}]}]}}`)

	repo := core.NewMemoryRepository()
	if err := repo.SetRequestingIdentity(core.RequestingIdentity{ID: "team042", Name: "Team 042", ClientID: "team042", ClientSecret: "secret"}); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	for _, inst := range []*fakeInstitution{vbank, abank} {
		if err := repo.SaveTargetInstitution(ctx, inst.record()); err != nil {
			t.Fatalf("save institution %s: %v", inst.code, err)
		}
	}

	svc, err := multibank.New(multibank.Config{}, multibank.StackConfig{OpenBankingCodes: []string{"abank"}}, multibank.WithRepository(repo))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	requested, err := svc.RequestConsent(ctx, core.RequestConsentRequest{UserID: "team042-1", InstitutionID: "vbank"})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	if requested.ConsentID != "vbank-consent-1" || requested.Grant.Status != core.ConsentStatusPending {
		t.Fatalf("unexpected consent result %#v", requested)
	}
	vbank.mu.Lock()
	consentBodies := vbank.consentBodies
	vbank.mu.Unlock()
	if len(consentBodies) != 1 || consentBodies[0]["client_id"] != "user_team042-1" {
		t.Fatalf("unexpected consent request bodies %#v", consentBodies)
	}

	verifiers := webhooks.NewInstitutionVerifiers(nil)
	if err := verifiers.Register("vbank", webhooks.HeaderTokenVerifier{Header: "X-Callback-Token", Token: "vbank-shared"}); err != nil {
		t.Fatalf("register verifier: %v", err)
	}
	dispatcher, err := multibank.NewCallbackDispatcher(svc, multibank.CallbackConfig{Verifiers: verifiers})
	if err != nil {
		t.Fatalf("new callback dispatcher: %v", err)
	}
	callback := vbank.signCallback(t, "vbank-consent-1", "Authorised")
	if _, err := dispatcher.Dispatch(ctx, inbound.Request{
		InstitutionID: "vbank",
		Kind:          inbound.KindConsentStatus,
		Body:          []byte(callback),
	}); err == nil {
		t.Fatalf("expected callback without shared token to be rejected")
	}
	result, err := dispatcher.Dispatch(ctx, inbound.Request{
		InstitutionID: "vbank",
		Kind:          inbound.KindConsentStatus,
		Headers:       map[string]string{"X-Callback-Token": "vbank-shared"},
		Body:          []byte(callback),
	})
	if err != nil {
		t.Fatalf("dispatch callback: %v", err)
	}
	if result.Metadata["status"] != string(core.ConsentStatusApproved) {
		t.Fatalf("expected approved consent, got %#v", result.Metadata)
	}

	forged := abank.signCallback(t, "vbank-consent-1", "Rejected")
	if _, err := dispatcher.Dispatch(ctx, inbound.Request{
		InstitutionID: "vbank",
		Kind:          inbound.KindConsentStatus,
		Headers:       map[string]string{"X-Callback-Token": "vbank-shared"},
		Body:          []byte(forged),
	}); err == nil {
		t.Fatalf("expected callback signed by another institution to be rejected")
	}

	aggregate, err := svc.Aggregate(ctx, "team042-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !aggregate.TotalBalance.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("expected total 1250.50, got %s", aggregate.TotalBalance)
	}
	if aggregate.TotalAccountCount != 2 || aggregate.InstitutionsConnected != 2 {
		t.Fatalf("unexpected aggregate counts %#v", aggregate)
	}

	vbankHeaders := vbank.lastAccountHeaders()
	if vbankHeaders.Get("X-Consent-Id") != "vbank-consent-1" || vbankHeaders.Get("X-Requesting-Bank") != "team042" {
		t.Fatalf("expected interbank headers for vbank, got %v", vbankHeaders)
	}
	abankHeaders := abank.lastAccountHeaders()
	if abankHeaders.Get("X-Consent-Id") != "" || abankHeaders.Get("Authorization") != "Bearer abank-token" {
		t.Fatalf("expected own-institution call for abank, got %v", abankHeaders)
	}

	if got := vbank.tokenExchanges(); got != 1 {
		t.Fatalf("expected cached vbank token reused, got %d exchanges", got)
	}
	refreshed, err := svc.ForceRefreshAllTokens(ctx)
	if err != nil || refreshed != 2 {
		t.Fatalf("expected 2 refreshed tokens, got %d, %v", refreshed, err)
	}
	if vbank.tokenExchanges() != 2 || abank.tokenExchanges() != 2 {
		t.Fatalf("expected forced exchange per institution, got vbank=%d abank=%d", vbank.tokenExchanges(), abank.tokenExchanges())
	}
}

func TestStack_ExtensionNormalizerPack(t *testing.T) {
	hooks := multibank.NewExtensionHooks()
	if err := hooks.RegisterNormalizerPack(multibank.NormalizerPack{Name: "fixed", Normalizer: fixedNormalizer{}, Codes: []string{"cbank"}}); err != nil {
		t.Fatalf("register pack: %v", err)
	}
	stack, err := multibank.NewStack(multibank.StackConfig{Extensions: hooks})
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}
	normalizer, ok := stack.Normalizers.Resolve("CBank")
	if !ok || normalizer.Code() != "fixed" {
		t.Fatalf("expected extension normalizer for cbank, got %v", normalizer)
	}
	if len(stack.Options()) != 4 {
		t.Fatalf("expected four stack options")
	}
	if stack.Transport.Policy == nil {
		t.Fatalf("expected rate limit policy on the shared transport")
	}
}

type fixedNormalizer struct{}

func (fixedNormalizer) Code() string { return "fixed" }

func (fixedNormalizer) Normalize(institution core.TargetInstitution, _ []byte, currency string) (core.NormalizeResult, error) {
	return core.NormalizeResult{Accounts: []core.NormalizedAccount{{
		InstitutionID: institution.ID,
		AccountID:     fmt.Sprintf("%s-fixed", institution.Code),
		Balance:       decimal.NewFromInt(1),
		Currency:      currency,
	}}}, nil
}
