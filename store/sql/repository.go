package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/security"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultIdentityID names the single requesting identity row.
const DefaultIdentityID = "default"

// Repository is the bun backed core.Repository. Institution tokens and the
// identity client secret are sealed with the configured SecretProvider and
// bound to the row they belong to.
type Repository struct {
	db           *bun.DB
	secrets      core.SecretProvider
	consents     repository.Repository[*consentGrantRecord]
	institutions repository.Repository[*institutionRecord]
}

func NewRepository(db *bun.DB, secrets core.SecretProvider) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	consents := repository.NewRepository[*consentGrantRecord](db, consentGrantHandlers())
	if validator, ok := consents.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid consent repository wiring: %w", err)
		}
	}
	institutions := repository.NewRepository[*institutionRecord](db, institutionHandlers())
	if validator, ok := institutions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid institution repository wiring: %w", err)
		}
	}
	return &Repository{
		db:           db,
		secrets:      secrets,
		consents:     consents,
		institutions: institutions,
	}, nil
}

func (r *Repository) GetRequestingIdentity(ctx context.Context) (core.RequestingIdentity, error) {
	if r == nil || r.db == nil {
		return core.RequestingIdentity{}, fmt.Errorf("sqlstore: repository is not configured")
	}
	record := &requestingIdentityRecord{}
	err := r.db.NewSelect().
		Model(record).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.RequestingIdentity{}, core.ErrIdentityNotConfigured
		}
		return core.RequestingIdentity{}, err
	}
	secret, err := r.open(ctx, identityBinding(record.ID), record.EncryptedClientSecret)
	if err != nil {
		return core.RequestingIdentity{}, fmt.Errorf("sqlstore: decrypt identity secret: %w", err)
	}
	return core.RequestingIdentity{
		ID:           record.ID,
		Name:         record.Name,
		ClientID:     record.ClientID,
		ClientSecret: secret,
	}, nil
}

// SaveRequestingIdentity stores the aggregator registration. A blank ID
// targets DefaultIdentityID.
func (r *Repository) SaveRequestingIdentity(ctx context.Context, identity core.RequestingIdentity) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("sqlstore: repository is not configured")
	}
	if err := identity.Validate(); err != nil {
		return err
	}
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		identity.ID = DefaultIdentityID
	}
	sealed, err := r.seal(ctx, identityBinding(identity.ID), identity.ClientSecret)
	if err != nil {
		return fmt.Errorf("sqlstore: encrypt identity secret: %w", err)
	}
	now := time.Now().UTC()

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &requestingIdentityRecord{}
		err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", identity.ID).Limit(1).Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		record.Name = strings.TrimSpace(identity.Name)
		record.ClientID = strings.TrimSpace(identity.ClientID)
		record.EncryptedClientSecret = sealed
		record.UpdatedAt = now
		if errors.Is(err, sql.ErrNoRows) {
			record.ID = identity.ID
			record.CreatedAt = now
			_, err = tx.NewInsert().Model(record).Exec(ctx)
			return err
		}
		_, err = tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return err
	})
}

// ListTargetInstitutions returns institutions in the order they were first
// saved.
func (r *Repository) ListTargetInstitutions(ctx context.Context) ([]core.TargetInstitution, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: repository is not configured")
	}
	var records []*institutionRecord
	if err := r.db.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.position ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.TargetInstitution, 0, len(records))
	for _, record := range records {
		institution, err := r.institutionFromRecord(ctx, record)
		if err != nil {
			return nil, err
		}
		out = append(out, institution)
	}
	return out, nil
}

func (r *Repository) GetTargetInstitution(ctx context.Context, id string) (core.TargetInstitution, error) {
	if r == nil || r.institutions == nil {
		return core.TargetInstitution{}, fmt.Errorf("sqlstore: repository is not configured")
	}
	records, _, err := r.institutions.List(ctx,
		repository.SelectBy("id", "=", strings.TrimSpace(id)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.TargetInstitution{}, err
	}
	if len(records) == 0 {
		return core.TargetInstitution{}, fmt.Errorf("%w: %s", core.ErrInstitutionNotFound, id)
	}
	return r.institutionFromRecord(ctx, records[0])
}

func (r *Repository) SaveTargetInstitution(ctx context.Context, institution core.TargetInstitution) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("sqlstore: repository is not configured")
	}
	institution.ID = strings.TrimSpace(institution.ID)
	if err := institution.Validate(); err != nil {
		return err
	}
	var sealed []byte
	if token := strings.TrimSpace(institution.CachedToken); token != "" {
		var err error
		if sealed, err = r.seal(ctx, institutionBinding(institution.ID), token); err != nil {
			return fmt.Errorf("sqlstore: encrypt institution token: %w", err)
		}
	}
	now := time.Now().UTC()

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findInstitution(ctx, tx, institution.ID)
		if err != nil {
			return err
		}
		created := record == nil
		if created {
			position, posErr := nextInstitutionPosition(ctx, tx)
			if posErr != nil {
				return posErr
			}
			record = &institutionRecord{
				ID:        institution.ID,
				Position:  position,
				CreatedAt: now,
			}
			if !institution.CreatedAt.IsZero() {
				record.CreatedAt = institution.CreatedAt.UTC()
			}
		}
		record.Name = strings.TrimSpace(institution.Name)
		record.Code = strings.TrimSpace(institution.Code)
		record.AuthEndpoint = strings.TrimSpace(institution.AuthEndpoint)
		record.APIBaseURL = strings.TrimSpace(institution.APIBaseURL)
		record.EncryptedToken = sealed
		record.TokenExpiresAt = nil
		if sealed != nil {
			record.TokenExpiresAt = utcPointer(institution.TokenExpiresAt)
		}
		record.UpdatedAt = now

		if created {
			_, err = tx.NewInsert().Model(record).Exec(ctx)
			return err
		}
		_, err = tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return err
	})
}

func (r *Repository) GetConsent(ctx context.Context, userID string, institutionID string) (core.ConsentGrant, error) {
	return r.firstConsent(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("institution_id", "=", strings.TrimSpace(institutionID)),
	)
}

func (r *Repository) FindConsentByConsentID(ctx context.Context, institutionID string, consentID string) (core.ConsentGrant, error) {
	return r.firstConsent(ctx,
		repository.SelectBy("institution_id", "=", strings.TrimSpace(institutionID)),
		repository.SelectBy("consent_id", "=", strings.TrimSpace(consentID)),
	)
}

// SaveConsent keeps one row per user and institution; a new grant for the
// same pair overwrites the previous row in place.
func (r *Repository) SaveConsent(ctx context.Context, grant core.ConsentGrant) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("sqlstore: repository is not configured")
	}
	grant.UserID = strings.TrimSpace(grant.UserID)
	grant.InstitutionID = strings.TrimSpace(grant.InstitutionID)
	if grant.UserID == "" || grant.InstitutionID == "" {
		return fmt.Errorf("sqlstore: consent user id and institution id are required")
	}
	if !grant.Status.Valid() {
		return fmt.Errorf("sqlstore: invalid consent status %q", grant.Status)
	}
	now := time.Now().UTC()

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &consentGrantRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.user_id = ?", grant.UserID).
			Where("?TableAlias.institution_id = ?", grant.InstitutionID).
			Limit(1).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		record := newConsentGrantRecord(grant, now)
		if errors.Is(err, sql.ErrNoRows) {
			if record.ID == "" {
				record.ID = uuid.NewString()
			}
			_, err = r.consents.CreateTx(ctx, tx, record)
			return err
		}
		record.ID = existing.ID
		if grant.CreatedAt.IsZero() {
			record.CreatedAt = existing.CreatedAt
		}
		_, err = tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return err
	})
}

// ListConsentsExpiringBefore returns open grants whose window ends at or
// before cutoff, soonest first.
func (r *Repository) ListConsentsExpiringBefore(ctx context.Context, cutoff time.Time) ([]core.ConsentGrant, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: repository is not configured")
	}
	terminal := []string{string(core.ConsentStatusRejected), string(core.ConsentStatusExpired)}
	var records []*consentGrantRecord
	if err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.expires_at <= ?", cutoff.UTC()).
		Where("?TableAlias.status NOT IN (?)", bun.In(terminal)).
		OrderExpr("?TableAlias.expires_at ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.ConsentGrant, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *Repository) firstConsent(ctx context.Context, criteria ...repository.SelectCriteria) (core.ConsentGrant, error) {
	if r == nil || r.consents == nil {
		return core.ConsentGrant{}, fmt.Errorf("sqlstore: repository is not configured")
	}
	criteria = append(criteria, repository.SelectPaginate(1, 0))
	records, _, err := r.consents.List(ctx, criteria...)
	if err != nil {
		return core.ConsentGrant{}, err
	}
	if len(records) == 0 {
		return core.ConsentGrant{}, core.ErrConsentNotFound
	}
	return records[0].toDomain(), nil
}

func (r *Repository) institutionFromRecord(ctx context.Context, record *institutionRecord) (core.TargetInstitution, error) {
	institution := core.TargetInstitution{
		ID:           record.ID,
		Name:         record.Name,
		Code:         record.Code,
		AuthEndpoint: record.AuthEndpoint,
		APIBaseURL:   record.APIBaseURL,
		CreatedAt:    record.CreatedAt.UTC(),
		UpdatedAt:    record.UpdatedAt.UTC(),
	}
	if len(record.EncryptedToken) == 0 {
		return institution, nil
	}
	token, err := r.open(ctx, institutionBinding(record.ID), record.EncryptedToken)
	if err != nil {
		return core.TargetInstitution{}, fmt.Errorf("sqlstore: decrypt token for institution %q: %w", record.ID, err)
	}
	institution.CachedToken = token
	institution.TokenExpiresAt = utcPointer(record.TokenExpiresAt)
	return institution, nil
}

func (r *Repository) seal(ctx context.Context, binding string, value string) ([]byte, error) {
	return r.secrets.Encrypt(security.WithAssociatedData(ctx, binding), []byte(value))
}

func (r *Repository) open(ctx context.Context, binding string, sealed []byte) (string, error) {
	plaintext, err := r.secrets.Decrypt(security.WithAssociatedData(ctx, binding), sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func findInstitution(ctx context.Context, db bun.IDB, id string) (*institutionRecord, error) {
	record := &institutionRecord{}
	err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func nextInstitutionPosition(ctx context.Context, tx bun.Tx) (int, error) {
	var maxPosition int
	if err := tx.NewSelect().
		Model((*institutionRecord)(nil)).
		ColumnExpr("COALESCE(MAX(position), 0)").
		Scan(ctx, &maxPosition); err != nil {
		return 0, err
	}
	return maxPosition + 1, nil
}

func newConsentGrantRecord(grant core.ConsentGrant, now time.Time) *consentGrantRecord {
	record := &consentGrantRecord{
		ID:                    strings.TrimSpace(grant.ID),
		UserID:                grant.UserID,
		InstitutionID:         grant.InstitutionID,
		ConsentID:             strings.TrimSpace(grant.ConsentID),
		ClientIDAtInstitution: strings.TrimSpace(grant.ClientIDAtInstitution),
		Status:                string(grant.Status),
		CreatedAt:             grant.CreatedAt.UTC(),
		ExpiresAt:             grant.ExpiresAt.UTC(),
		UpdatedAt:             grant.UpdatedAt.UTC(),
	}
	if grant.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if grant.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *consentGrantRecord) toDomain() core.ConsentGrant {
	if r == nil {
		return core.ConsentGrant{}
	}
	return core.ConsentGrant{
		ID:                    r.ID,
		UserID:                r.UserID,
		InstitutionID:         r.InstitutionID,
		ConsentID:             r.ConsentID,
		ClientIDAtInstitution: r.ClientIDAtInstitution,
		Status:                core.ConsentStatus(r.Status),
		CreatedAt:             r.CreatedAt.UTC(),
		ExpiresAt:             r.ExpiresAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

func institutionBinding(id string) string { return "institution:" + id }

func identityBinding(id string) string { return "identity:" + id }
