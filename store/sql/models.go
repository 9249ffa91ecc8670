package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type requestingIdentityRecord struct {
	bun.BaseModel `bun:"table:multibank_requesting_identities,alias:mri"`

	ID                    string    `bun:"id,pk"`
	Name                  string    `bun:"name,notnull"`
	ClientID              string    `bun:"client_id,notnull"`
	EncryptedClientSecret []byte    `bun:"encrypted_client_secret,notnull"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type institutionRecord struct {
	bun.BaseModel `bun:"table:multibank_target_institutions,alias:mti"`

	ID             string     `bun:"id,pk"`
	Name           string     `bun:"name,notnull"`
	Code           string     `bun:"code,notnull"`
	AuthEndpoint   string     `bun:"auth_endpoint,notnull"`
	APIBaseURL     string     `bun:"api_base_url,notnull"`
	EncryptedToken []byte     `bun:"encrypted_token"`
	TokenExpiresAt *time.Time `bun:"token_expires_at,nullzero"`
	Position       int        `bun:"position,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type consentGrantRecord struct {
	bun.BaseModel `bun:"table:multibank_consent_grants,alias:mcg"`

	ID                    string    `bun:"id,pk"`
	UserID                string    `bun:"user_id,notnull"`
	InstitutionID         string    `bun:"institution_id,notnull"`
	ConsentID             string    `bun:"consent_id,notnull"`
	ClientIDAtInstitution string    `bun:"client_id_at_institution,notnull"`
	Status                string    `bun:"status,notnull"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt             time.Time `bun:"expires_at,notnull"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:multibank_rate_limit_state,alias:mrl"`

	ID             string     `bun:"id,pk"`
	InstitutionID  string     `bun:"institution_id,notnull"`
	Limit          int        `bun:"limit_value,notnull"`
	Remaining      int        `bun:"remaining,notnull"`
	ResetAt        *time.Time `bun:"reset_at,nullzero"`
	RetryAfter     *int       `bun:"retry_after_seconds"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
