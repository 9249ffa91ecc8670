package sqlstore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/ratelimit"
	"github.com/goliatone/go-multibank/security"
	sqlstore "github.com/goliatone/go-multibank/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
)

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{
		"multibank_requesting_identities",
		"multibank_target_institutions",
		"multibank_consent_grants",
		"multibank_rate_limit_state",
	} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestRepository_RequestingIdentitySecretIsSealed(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	repo := newRepository(t, client)

	if _, err := repo.GetRequestingIdentity(ctx); !errors.Is(err, core.ErrIdentityNotConfigured) {
		t.Fatalf("expected identity not configured, got %v", err)
	}

	identity := core.RequestingIdentity{Name: "Team 042", ClientID: "team-042", ClientSecret: "s3cret-value"}
	if err := repo.SaveRequestingIdentity(ctx, identity); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	identity.ClientSecret = "rotated-secret"
	if err := repo.SaveRequestingIdentity(ctx, identity); err != nil {
		t.Fatalf("update identity: %v", err)
	}

	loaded, err := repo.GetRequestingIdentity(ctx)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if loaded.ID != sqlstore.DefaultIdentityID || loaded.ClientID != "team-042" || loaded.ClientSecret != "rotated-secret" {
		t.Fatalf("unexpected identity %+v", loaded)
	}

	var raw []byte
	if err := client.DB().NewRaw(
		"SELECT encrypted_client_secret FROM multibank_requesting_identities WHERE id = ?",
		sqlstore.DefaultIdentityID,
	).Scan(ctx, &raw); err != nil {
		t.Fatalf("read raw secret: %v", err)
	}
	if bytes.Contains(raw, []byte("rotated-secret")) {
		t.Fatalf("expected client secret to be encrypted at rest")
	}
}

func TestRepository_InstitutionsKeepOrderAndSealTokens(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	repo := newRepository(t, client)

	for _, id := range []string{"vbank", "abank", "sbank"} {
		if err := repo.SaveTargetInstitution(ctx, testInstitution(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	expiresAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	withToken := testInstitution("vbank")
	withToken.CachedToken = "vbank-access-token"
	withToken.TokenExpiresAt = &expiresAt
	if err := repo.SaveTargetInstitution(ctx, withToken); err != nil {
		t.Fatalf("save token: %v", err)
	}

	listed, err := repo.ListTargetInstitutions(ctx)
	if err != nil {
		t.Fatalf("list institutions: %v", err)
	}
	if len(listed) != 3 || listed[0].ID != "vbank" || listed[1].ID != "abank" || listed[2].ID != "sbank" {
		t.Fatalf("expected insertion order to survive updates, got %+v", listed)
	}
	if listed[0].CachedToken != "vbank-access-token" || listed[0].TokenExpiresAt == nil || !listed[0].TokenExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected token state %+v", listed[0])
	}
	if listed[1].CachedToken != "" || listed[1].TokenExpiresAt != nil {
		t.Fatalf("expected abank without token, got %+v", listed[1])
	}

	var raw []byte
	if err := client.DB().NewRaw(
		"SELECT encrypted_token FROM multibank_target_institutions WHERE id = ?",
		"vbank",
	).Scan(ctx, &raw); err != nil {
		t.Fatalf("read raw token: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("vbank-access-token")) {
		t.Fatalf("expected token to be encrypted at rest")
	}

	cleared := testInstitution("vbank")
	if err := repo.SaveTargetInstitution(ctx, cleared); err != nil {
		t.Fatalf("clear token: %v", err)
	}
	loaded, err := repo.GetTargetInstitution(ctx, "vbank")
	if err != nil {
		t.Fatalf("get institution: %v", err)
	}
	if loaded.CachedToken != "" || loaded.TokenExpiresAt != nil {
		t.Fatalf("expected cleared token, got %+v", loaded)
	}

	if _, err := repo.GetTargetInstitution(ctx, "missing"); !errors.Is(err, core.ErrInstitutionNotFound) {
		t.Fatalf("expected institution not found, got %v", err)
	}
}

func TestRepository_TokenBoundToInstitutionRow(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	repo := newRepository(t, client)

	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	for _, id := range []string{"vbank", "abank"} {
		institution := testInstitution(id)
		institution.CachedToken = id + "-token"
		institution.TokenExpiresAt = &expiresAt
		if err := repo.SaveTargetInstitution(ctx, institution); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	// copy vbank's sealed token onto abank's row
	if _, err := client.DB().NewRaw(
		"UPDATE multibank_target_institutions SET encrypted_token = (SELECT encrypted_token FROM multibank_target_institutions WHERE id = 'vbank') WHERE id = 'abank'",
	).Exec(ctx); err != nil {
		t.Fatalf("swap tokens: %v", err)
	}
	if _, err := repo.GetTargetInstitution(ctx, "abank"); err == nil {
		t.Fatalf("expected token sealed for vbank to be rejected on abank")
	}
}

func TestRepository_ConsentGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	repo := newRepository(t, client)

	for _, id := range []string{"vbank", "abank"} {
		if err := repo.SaveTargetInstitution(ctx, testInstitution(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := core.ConsentGrant{
		ID:                    "5f1e1c3e-2f6b-4b8e-9a51-1d7f0c1b2a01",
		UserID:                "user-1",
		InstitutionID:         "vbank",
		ConsentID:             "consent-1",
		ClientIDAtInstitution: "team-042-1",
		Status:                core.ConsentStatusPending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Hour),
		UpdatedAt:             now,
	}
	if err := repo.SaveConsent(ctx, first); err != nil {
		t.Fatalf("save first grant: %v", err)
	}

	replacement := first
	replacement.ID = ""
	replacement.ConsentID = "consent-2"
	replacement.CreatedAt = time.Time{}
	if err := repo.SaveConsent(ctx, replacement); err != nil {
		t.Fatalf("save replacement grant: %v", err)
	}

	grant, err := repo.GetConsent(ctx, "user-1", "vbank")
	if err != nil {
		t.Fatalf("get consent: %v", err)
	}
	if grant.ID != first.ID || grant.ConsentID != "consent-2" || !grant.CreatedAt.Equal(now) {
		t.Fatalf("expected replacement to keep the row identity, got %+v", grant)
	}
	if _, err := repo.FindConsentByConsentID(ctx, "vbank", "consent-1"); !errors.Is(err, core.ErrConsentNotFound) {
		t.Fatalf("expected replaced consent id to be gone, got %v", err)
	}
	found, err := repo.FindConsentByConsentID(ctx, " vbank ", "consent-2")
	if err != nil || found.UserID != "user-1" {
		t.Fatalf("find by consent id: %+v, %v", found, err)
	}
	if _, err := repo.GetConsent(ctx, "user-2", "vbank"); !errors.Is(err, core.ErrConsentNotFound) {
		t.Fatalf("expected consent not found, got %v", err)
	}

	rejected := core.ConsentGrant{
		UserID:        "user-2",
		InstitutionID: "vbank",
		ConsentID:     "consent-3",
		Status:        core.ConsentStatusRejected,
		ExpiresAt:     now.Add(-time.Hour),
	}
	approved := core.ConsentGrant{
		UserID:        "user-1",
		InstitutionID: "abank",
		ConsentID:     "consent-4",
		Status:        core.ConsentStatusApproved,
		ExpiresAt:     now.Add(-2 * time.Hour),
	}
	future := core.ConsentGrant{
		UserID:        "user-3",
		InstitutionID: "abank",
		ConsentID:     "consent-5",
		Status:        core.ConsentStatusApproved,
		ExpiresAt:     now.Add(48 * time.Hour),
	}
	for _, g := range []core.ConsentGrant{rejected, approved, future} {
		if err := repo.SaveConsent(ctx, g); err != nil {
			t.Fatalf("save %s: %v", g.ConsentID, err)
		}
	}

	stale, err := repo.ListConsentsExpiringBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(stale) != 2 || stale[0].ConsentID != "consent-4" || stale[1].ConsentID != "consent-2" {
		t.Fatalf("expected open grants soonest first, got %+v", stale)
	}

	invalid := first
	invalid.Status = core.ConsentStatus("REVOKED")
	if err := repo.SaveConsent(ctx, invalid); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func TestRateLimitStateStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, newSecrets(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.RateLimitStateStore()

	if _, err := store.Get(ctx, "vbank"); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}

	until := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	retry := 1500 * time.Millisecond
	if err := store.Upsert(ctx, ratelimit.State{
		InstitutionID:  " VBank ",
		Limit:          100,
		Remaining:      0,
		RetryAfter:     &retry,
		ThrottledUntil: &until,
		LastStatus:     429,
		Attempts:       2,
	}); err != nil {
		t.Fatalf("upsert state: %v", err)
	}
	if err := store.Upsert(ctx, ratelimit.State{
		InstitutionID:  "vbank",
		Limit:          100,
		Remaining:      0,
		RetryAfter:     &retry,
		ThrottledUntil: &until,
		LastStatus:     429,
		Attempts:       3,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	state, err := store.Get(ctx, "VBANK")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 3 || state.LastStatus != 429 || state.Limit != 100 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(until) {
		t.Fatalf("unexpected throttle window %v", state.ThrottledUntil)
	}
	if state.RetryAfter == nil || *state.RetryAfter != 2*time.Second {
		t.Fatalf("expected retry-after rounded up to whole seconds, got %v", state.RetryAfter)
	}

	var rows int
	if err := client.DB().NewRaw("SELECT COUNT(*) FROM multibank_rate_limit_state").Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single row per institution, got %d", rows)
	}
}

func TestRepository_RequiresSecretProvider(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	if _, err := sqlstore.NewRepository(client.DB(), nil); err == nil {
		t.Fatalf("expected missing secret provider to be rejected")
	}
	if _, err := sqlstore.NewRepositoryFactoryFromDB(nil, newSecrets(t)); err == nil {
		t.Fatalf("expected missing db to be rejected")
	}
}

func newRepository(t *testing.T, client *persistence.Client) *sqlstore.Repository {
	t.Helper()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, newSecrets(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory.Repository()
}

func newSecrets(t *testing.T) core.SecretProvider {
	t.Helper()
	provider, err := security.NewAppKeySecretProviderFromString("sqlstore-test-key")
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	return provider
}

func testInstitution(id string) core.TargetInstitution {
	return core.TargetInstitution{
		ID:           id,
		Name:         id,
		Code:         id,
		AuthEndpoint: "https://" + id + ".test/auth/bank-token",
		APIBaseURL:   "https://" + id + ".test",
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	client, err := sqlstore.Open(context.Background(), sqlstore.PersistenceConfig{
		Driver:         "sqlite3",
		DSN:            fmt.Sprintf("file:multibank-test-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano()),
		PingTimeout:    time.Second,
		OtelIdentifier: "go-multibank-tests",
	})
	if err != nil {
		t.Fatalf("open sqlite client: %v", err)
	}
	return client, func() {
		_ = client.Close()
	}
}
