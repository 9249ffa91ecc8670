package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConsentManagerDeps struct {
	Repository Repository
	API        InstitutionAPI
	Tokens     *TokenManager
	Clock      func() time.Time
	Logger     Logger
	Metrics    MetricsRecorder
}

type ConsentManager struct {
	repository  Repository
	api         InstitutionAPI
	tokens      *TokenManager
	now         func() time.Time
	window      time.Duration
	permissions []string
	writes      *keyedMutex

	telemetry
}

func NewConsentManager(cfg Config, deps ConsentManagerDeps) (*ConsentManager, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("core: consent manager repository is required")
	}
	if deps.API == nil {
		return nil, fmt.Errorf("core: consent manager institution api is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("core: consent manager token manager is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = utcNow
	}
	permissions := append([]string(nil), cfg.ConsentPermissions...)
	if len(permissions) == 0 {
		permissions = append(permissions, defaultConsentPermissions...)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &ConsentManager{
		repository:  deps.Repository,
		api:         deps.API,
		tokens:      deps.Tokens,
		now:         func() time.Time { return clock().UTC() },
		window:      positiveOr(cfg.ConsentWindow, defaultConsentWindow),
		permissions: permissions,
		writes:      newKeyedMutex(),
		telemetry:   telemetry{logger: deps.Logger, metrics: metrics},
	}, nil
}

// RequestConsent opens a consent with the institution and records it as
// PENDING, replacing any grant the user already held there.
func (m *ConsentManager) RequestConsent(ctx context.Context, userID, institutionID, clientIDAtInstitution string) (ConsentRequestResult, error) {
	if m == nil {
		return ConsentRequestResult{}, fmt.Errorf("core: consent manager is nil")
	}
	userID = strings.TrimSpace(userID)
	institutionID = strings.TrimSpace(institutionID)
	if userID == "" {
		return ConsentRequestResult{}, fmt.Errorf("core: user id is required")
	}
	if institutionID == "" {
		return ConsentRequestResult{}, fmt.Errorf("core: institution id is required")
	}
	clientIDAtInstitution = strings.TrimSpace(clientIDAtInstitution)
	if clientIDAtInstitution == "" {
		clientIDAtInstitution = "user_" + userID
	}

	institution, err := m.repository.GetTargetInstitution(ctx, institutionID)
	if err != nil {
		return ConsentRequestResult{}, err
	}
	failed := func(err error) error {
		requestErr := &ConsentRequestError{UserID: userID, InstitutionID: institutionID, Err: err}
		var fetchErr *InstitutionFetchError
		if errors.As(err, &fetchErr) {
			requestErr.StatusCode = fetchErr.StatusCode
		}
		return requestErr
	}

	identity, err := m.repository.GetRequestingIdentity(ctx)
	if err != nil {
		return ConsentRequestResult{}, failed(err)
	}

	unlock := m.writes.Lock(consentKey(userID, institutionID))
	defer unlock()

	token, err := m.tokens.GetToken(ctx, institution, false)
	if err != nil {
		return ConsentRequestResult{}, failed(err)
	}
	created, err := m.api.CreateConsent(ctx, institution, token, identity.ClientID, ConsentCreation{
		ClientID:    clientIDAtInstitution,
		Permissions: append([]string(nil), m.permissions...),
		ExpiresIn:   m.window,
	})
	if err != nil {
		return ConsentRequestResult{}, failed(err)
	}
	if strings.TrimSpace(created.ConsentID) == "" {
		return ConsentRequestResult{}, failed(fmt.Errorf("core: consent response missing consent_id"))
	}

	now := m.now()
	grant := ConsentGrant{
		ID:                    uuid.NewString(),
		UserID:                userID,
		InstitutionID:         institutionID,
		ConsentID:             strings.TrimSpace(created.ConsentID),
		ClientIDAtInstitution: clientIDAtInstitution,
		Status:                ConsentStatusPending,
		CreatedAt:             now,
		ExpiresAt:             now.Add(m.window),
		UpdatedAt:             now,
	}
	if existing, getErr := m.repository.GetConsent(ctx, userID, institutionID); getErr == nil {
		grant.ID = existing.ID
	} else if !errors.Is(getErr, ErrConsentNotFound) {
		return ConsentRequestResult{}, getErr
	}
	if err := m.repository.SaveConsent(ctx, grant); err != nil {
		return ConsentRequestResult{}, err
	}
	m.recordTransition(ctx, grant, "", ConsentStatusPending)

	return ConsentRequestResult{
		Grant:       grant,
		ConsentID:   grant.ConsentID,
		ApprovalURL: strings.TrimSpace(created.ApprovalURL),
	}, nil
}

// GetActiveConsent returns the user's grant at the institution only while it
// is APPROVED and inside its window; otherwise it returns nil.
func (m *ConsentManager) GetActiveConsent(ctx context.Context, userID, institutionID string) (*ConsentGrant, error) {
	if m == nil {
		return nil, fmt.Errorf("core: consent manager is nil")
	}
	grant, err := m.repository.GetConsent(ctx, strings.TrimSpace(userID), strings.TrimSpace(institutionID))
	if err != nil {
		if errors.Is(err, ErrConsentNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !grant.IsActive(m.now()) {
		return nil, nil
	}
	return &grant, nil
}

// UpdateStatus applies a status reported by the institution's approval
// channel. Approving a grant after its window elapsed stores EXPIRED.
func (m *ConsentManager) UpdateStatus(ctx context.Context, update ConsentStatusUpdate) (ConsentGrant, error) {
	if m == nil {
		return ConsentGrant{}, fmt.Errorf("core: consent manager is nil")
	}
	if err := update.Validate(); err != nil {
		return ConsentGrant{}, err
	}
	grant, err := m.repository.FindConsentByConsentID(ctx, strings.TrimSpace(update.InstitutionID), strings.TrimSpace(update.ConsentID))
	if err != nil {
		return ConsentGrant{}, err
	}

	unlock := m.writes.Lock(consentKey(grant.UserID, grant.InstitutionID))
	defer unlock()

	// re-read under the pair lock; a concurrent request may have replaced it
	grant, err = m.repository.FindConsentByConsentID(ctx, grant.InstitutionID, grant.ConsentID)
	if err != nil {
		return ConsentGrant{}, err
	}

	now := m.now()
	previous := grant.Status
	next := update.Status
	var expiredErr error
	if grant.EffectiveStatus(now) == ConsentStatusExpired && !grant.Status.Terminal() && next != ConsentStatusExpired {
		if next == ConsentStatusApproved {
			expiredErr = fmt.Errorf("%w: consent %q window ended at %s", ErrConsentExpired, grant.ConsentID, grant.ExpiresAt.Format(time.RFC3339))
		}
		next = ConsentStatusExpired
	}
	if err := grant.TransitionTo(next, now); err != nil {
		return ConsentGrant{}, err
	}
	if previous != grant.Status {
		if err := m.repository.SaveConsent(ctx, grant); err != nil {
			return ConsentGrant{}, err
		}
		m.recordTransition(ctx, grant, previous, grant.Status)
	}
	if expiredErr != nil {
		return grant, expiredErr
	}
	return grant, nil
}

// ExpireStale persists EXPIRED for open grants whose window has elapsed.
// Reads already treat them as expired; this only tidies storage.
func (m *ConsentManager) ExpireStale(ctx context.Context) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("core: consent manager is nil")
	}
	now := m.now()
	grants, err := m.repository.ListConsentsExpiringBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, grant := range grants {
		if grant.Status.Terminal() || grant.EffectiveStatus(now) != ConsentStatusExpired {
			continue
		}
		unlock := m.writes.Lock(consentKey(grant.UserID, grant.InstitutionID))
		current, getErr := m.repository.FindConsentByConsentID(ctx, grant.InstitutionID, grant.ConsentID)
		if getErr != nil || current.Status.Terminal() {
			unlock()
			continue
		}
		previous := current.Status
		if err := current.TransitionTo(ConsentStatusExpired, now); err == nil {
			if saveErr := m.repository.SaveConsent(ctx, current); saveErr != nil {
				unlock()
				return expired, saveErr
			}
			m.recordTransition(ctx, current, previous, ConsentStatusExpired)
			expired++
		}
		unlock()
	}
	return expired, nil
}

func (m *ConsentManager) recordTransition(ctx context.Context, grant ConsentGrant, from, to ConsentStatus) {
	m.recordCounter(ctx, metricConsentTransition, 1, map[string]string{
		"institution_id": grant.InstitutionID,
		"to":             string(to),
	})
	m.logInfo(ctx, "consent status changed", map[string]any{
		"user_id":        grant.UserID,
		"institution_id": grant.InstitutionID,
		"consent_id":     grant.ConsentID,
		"from":           string(from),
		"to":             string(to),
	})
}
