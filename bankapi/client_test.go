package bankapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/ratelimit"
	"github.com/goliatone/go-multibank/transport"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(transport.NewRESTAdapter(server.Client()), ClientConfig{Timeout: time.Second})
}

func institutionAt(server *httptest.Server) core.TargetInstitution {
	return core.TargetInstitution{ID: "abank", Code: "abank", Name: "A Bank", APIBaseURL: server.URL + "/"}
}

func TestClient_CreateConsentPostsBodyAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathAccountConsents {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer header, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get(HeaderRequestingBank) != "team-042" {
			t.Errorf("expected requesting bank header, got %q", r.Header.Get(HeaderRequestingBank))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["client_id"] != "user_u1" || body["expires_in"] != float64(3600) {
			t.Errorf("unexpected body %v", body)
		}
		if perms, _ := body["permissions"].([]any); len(perms) != 3 {
			t.Errorf("expected three permissions, got %v", body["permissions"])
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"consent_id":"c-77","approval_url":"https://abank.example/approve/c-77"}`))
	}))
	defer server.Close()

	created, err := newTestClient(server).CreateConsent(context.Background(), institutionAt(server), "tok", "team-042", core.ConsentCreation{
		ClientID:    "user_u1",
		Permissions: []string{"accounts", "transactions", "balances"},
		ExpiresIn:   time.Hour,
	})
	if err != nil {
		t.Fatalf("create consent: %v", err)
	}
	if created.ConsentID != "c-77" || created.ApprovalURL == "" {
		t.Fatalf("unexpected consent %+v", created)
	}
}

func TestClient_CreateConsentAcceptsWrappedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"consent_id":"c-9"}}`))
	}))
	defer server.Close()

	created, err := newTestClient(server).CreateConsent(context.Background(), institutionAt(server), "tok", "team-042", core.ConsentCreation{ClientID: "x"})
	if err != nil {
		t.Fatalf("create consent: %v", err)
	}
	if created.ConsentID != "c-9" {
		t.Fatalf("expected wrapped consent id, got %+v", created)
	}
}

func TestClient_CreateConsentRejectsMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).CreateConsent(context.Background(), institutionAt(server), "tok", "team-042", core.ConsentCreation{ClientID: "x"})
	var fetchErr *core.InstitutionFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestClient_FetchAccountsRouting(t *testing.T) {
	var seen []http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathAccounts {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = append(seen, r.Header.Clone())
		_, _ = w.Write([]byte(`{"accounts":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server)
	institution := institutionAt(server)
	grant := core.ConsentGrant{UserID: "u1", InstitutionID: "abank", ConsentID: "c-1", Status: core.ConsentStatusApproved}

	if _, err := client.FetchAccounts(context.Background(), institution, core.AccountsRequest{
		Token:          "tok",
		Route:          core.InterbankRoute(grant),
		RequestingBank: "team-042",
	}); err != nil {
		t.Fatalf("interbank fetch: %v", err)
	}
	if _, err := client.FetchAccounts(context.Background(), institution, core.AccountsRequest{
		Token: "tok",
		Route: core.OwnInstitutionRoute(),
	}); err != nil {
		t.Fatalf("own fetch: %v", err)
	}

	if seen[0].Get(HeaderConsentID) != "c-1" || seen[0].Get(HeaderRequestingBank) != "team-042" {
		t.Fatalf("interbank call missing consent headers: %v", seen[0])
	}
	if seen[1].Get(HeaderConsentID) != "" || seen[1].Get(HeaderRequestingBank) != "" {
		t.Fatalf("own institution call must not carry consent headers: %v", seen[1])
	}
	if seen[1].Get("Authorization") != "Bearer tok" {
		t.Fatalf("expected bearer on own institution call")
	}
}

func TestClient_NonSuccessBecomesFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchAccounts(context.Background(), institutionAt(server), core.AccountsRequest{Token: "tok", Route: core.OwnInstitutionRoute()})
	var fetchErr *core.InstitutionFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if fetchErr.StatusCode != http.StatusForbidden || fetchErr.InstitutionID != "abank" {
		t.Fatalf("unexpected fetch error %+v", fetchErr)
	}
}

func TestClient_KeySet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathJWKS {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer server.Close()

	raw, err := newTestClient(server).KeySet(context.Background(), institutionAt(server))
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	if string(raw) != `{"keys":[]}` {
		t.Fatalf("unexpected key set %q", raw)
	}
}

func TestClient_ThrottledInstitutionIsNotCalled(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := transport.NewRESTAdapter(server.Client())
	adapter.Policy = ratelimit.NewInstitutionPolicy(ratelimit.NewMemoryStateStore())
	client := NewClient(adapter, ClientConfig{})
	institution := institutionAt(server)

	if _, err := client.FetchAccounts(context.Background(), institution, core.AccountsRequest{Route: core.OwnInstitutionRoute()}); err == nil {
		t.Fatalf("expected 429 to fail")
	}
	_, err := client.FetchAccounts(context.Background(), institution, core.AccountsRequest{Route: core.OwnInstitutionRoute()})
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}
}
