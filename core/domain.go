package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ConsentStatus string

const (
	ConsentStatusPending  ConsentStatus = "PENDING"
	ConsentStatusApproved ConsentStatus = "APPROVED"
	ConsentStatusRejected ConsentStatus = "REJECTED"
	ConsentStatusExpired  ConsentStatus = "EXPIRED"
)

func (s ConsentStatus) Valid() bool {
	switch s {
	case ConsentStatusPending, ConsentStatusApproved, ConsentStatusRejected, ConsentStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the status.
func (s ConsentStatus) Terminal() bool {
	return s == ConsentStatusRejected || s == ConsentStatusExpired
}

func ParseConsentStatus(value string) (ConsentStatus, error) {
	status := ConsentStatus(strings.ToUpper(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("core: invalid consent status %q", value)
	}
	return status, nil
}

type RouteMode string

const (
	RouteInterbank      RouteMode = "interbank"
	RouteOwnInstitution RouteMode = "own_institution"
)

// RequestingIdentity is the aggregator's own registration, shared by every
// institution call.
type RequestingIdentity struct {
	ID           string
	Name         string
	ClientID     string
	ClientSecret string
}

func (r RequestingIdentity) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("core: requesting identity client id is required")
	}
	if strings.TrimSpace(r.ClientSecret) == "" {
		return fmt.Errorf("core: requesting identity client secret is required")
	}
	return nil
}

type TargetInstitution struct {
	ID             string
	Name           string
	Code           string
	AuthEndpoint   string
	APIBaseURL     string
	CachedToken    string
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasValidToken is the only place a cached institution token is compared
// against the clock.
func (t TargetInstitution) HasValidToken(now time.Time) bool {
	if strings.TrimSpace(t.CachedToken) == "" || t.TokenExpiresAt == nil {
		return false
	}
	return now.UTC().Before(t.TokenExpiresAt.UTC())
}

func (t TargetInstitution) Label() string {
	if name := strings.TrimSpace(t.Name); name != "" {
		return name
	}
	if code := strings.TrimSpace(t.Code); code != "" {
		return code
	}
	return t.ID
}

func (t TargetInstitution) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("core: institution id is required")
	}
	if strings.TrimSpace(t.AuthEndpoint) == "" {
		return fmt.Errorf("core: institution auth endpoint is required")
	}
	if strings.TrimSpace(t.APIBaseURL) == "" {
		return fmt.Errorf("core: institution api base url is required")
	}
	if strings.TrimSpace(t.CachedToken) != "" && t.TokenExpiresAt == nil {
		return fmt.Errorf("core: institution %q has a cached token without expiry", t.ID)
	}
	return nil
}

func (t TargetInstitution) Endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(t.APIBaseURL), "/") + "/" + strings.TrimLeft(path, "/")
}

type ConsentGrant struct {
	ID                    string
	UserID                string
	InstitutionID         string
	ConsentID             string
	ClientIDAtInstitution string
	Status                ConsentStatus
	CreatedAt             time.Time
	ExpiresAt             time.Time
	UpdatedAt             time.Time
}

// EffectiveStatus applies lazy expiry: an open grant whose window has
// elapsed reads as EXPIRED even if the stored status was never updated.
func (g ConsentGrant) EffectiveStatus(now time.Time) ConsentStatus {
	if g.Status.Terminal() {
		return g.Status
	}
	if !g.ExpiresAt.IsZero() && !now.UTC().Before(g.ExpiresAt.UTC()) {
		return ConsentStatusExpired
	}
	return g.Status
}

func (g ConsentGrant) IsActive(now time.Time) bool {
	return g.EffectiveStatus(now) == ConsentStatusApproved
}

func (g *ConsentGrant) TransitionTo(next ConsentStatus, now time.Time) error {
	if g == nil {
		return fmt.Errorf("core: consent grant is nil")
	}
	if !next.Valid() {
		return fmt.Errorf("core: invalid consent status %q", next)
	}
	if g.Status == next {
		return nil
	}
	if !consentTransitionAllowed(g.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConsentStatusTransition, g.Status, next)
	}
	g.Status = next
	g.UpdatedAt = now.UTC()
	return nil
}

func consentTransitionAllowed(from, to ConsentStatus) bool {
	switch from {
	case ConsentStatusPending:
		return to == ConsentStatusApproved || to == ConsentStatusRejected || to == ConsentStatusExpired
	case ConsentStatusApproved:
		return to == ConsentStatusExpired
	default:
		return false
	}
}

type RequestRoute struct {
	Mode    RouteMode
	Consent *ConsentGrant
}

func InterbankRoute(grant ConsentGrant) RequestRoute {
	return RequestRoute{Mode: RouteInterbank, Consent: &grant}
}

func OwnInstitutionRoute() RequestRoute {
	return RequestRoute{Mode: RouteOwnInstitution}
}

type NormalizedAccount struct {
	SourceInstitution string
	InstitutionID     string
	InstitutionCode   string
	AccountID         string
	Balance           decimal.Decimal
	Currency          string
	AccountType       string
	Nickname          string
	Servicer          any
}

type AggregateResult struct {
	TotalBalance          decimal.Decimal
	TotalAccountCount     int
	InstitutionsConnected int
	Accounts              []NormalizedAccount
}

type IssuedToken struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

type ConsentCreation struct {
	ClientID    string
	Permissions []string
	ExpiresIn   time.Duration
}

type ConsentCreated struct {
	ConsentID   string
	ApprovalURL string
}

type AccountsRequest struct {
	Token          string
	Route          RequestRoute
	RequestingBank string
}

type ConsentRequestResult struct {
	Grant       ConsentGrant
	ConsentID   string
	ApprovalURL string
}

type ConsentStatusUpdate struct {
	InstitutionID string
	ConsentID     string
	Status        ConsentStatus
}

func (u ConsentStatusUpdate) Validate() error {
	if strings.TrimSpace(u.InstitutionID) == "" {
		return fmt.Errorf("core: institution id is required")
	}
	if strings.TrimSpace(u.ConsentID) == "" {
		return fmt.Errorf("core: consent id is required")
	}
	if !u.Status.Valid() {
		return fmt.Errorf("core: invalid consent status %q", u.Status)
	}
	return nil
}

type Claims map[string]any

func (c Claims) String(key string) string {
	if c == nil {
		return ""
	}
	value, ok := c[key]
	if !ok || value == nil {
		return ""
	}
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

type NormalizeResult struct {
	Accounts []NormalizedAccount
	Warnings []string
}
