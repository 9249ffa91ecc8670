package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a Repository kept entirely in process memory. It is
// the default when no persistent store is configured.
type MemoryRepository struct {
	mu           sync.RWMutex
	identity     *RequestingIdentity
	institutions map[string]TargetInstitution
	order        []string
	consents     map[string]ConsentGrant
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		institutions: make(map[string]TargetInstitution),
		consents:     make(map[string]ConsentGrant),
	}
}

func (r *MemoryRepository) SetRequestingIdentity(identity RequestingIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := identity
	r.identity = &copied
	return nil
}

func (r *MemoryRepository) GetRequestingIdentity(context.Context) (RequestingIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return RequestingIdentity{}, ErrIdentityNotConfigured
	}
	return *r.identity, nil
}

// ListTargetInstitutions returns institutions in the order they were first
// saved.
func (r *MemoryRepository) ListTargetInstitutions(context.Context) ([]TargetInstitution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TargetInstitution, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneInstitution(r.institutions[id]))
	}
	return out, nil
}

func (r *MemoryRepository) GetTargetInstitution(_ context.Context, id string) (TargetInstitution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	institution, ok := r.institutions[strings.TrimSpace(id)]
	if !ok {
		return TargetInstitution{}, fmt.Errorf("%w: %s", ErrInstitutionNotFound, id)
	}
	return cloneInstitution(institution), nil
}

func (r *MemoryRepository) SaveTargetInstitution(_ context.Context, institution TargetInstitution) error {
	institution.ID = strings.TrimSpace(institution.ID)
	if err := institution.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.institutions[institution.ID]
	if !ok {
		r.order = append(r.order, institution.ID)
		if institution.CreatedAt.IsZero() {
			institution.CreatedAt = utcNow()
		}
	} else if institution.CreatedAt.IsZero() {
		institution.CreatedAt = existing.CreatedAt
	}
	r.institutions[institution.ID] = cloneInstitution(institution)
	return nil
}

func (r *MemoryRepository) GetConsent(_ context.Context, userID string, institutionID string) (ConsentGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	grant, ok := r.consents[consentKey(userID, institutionID)]
	if !ok {
		return ConsentGrant{}, ErrConsentNotFound
	}
	return grant, nil
}

func (r *MemoryRepository) FindConsentByConsentID(_ context.Context, institutionID string, consentID string) (ConsentGrant, error) {
	institutionID = strings.TrimSpace(institutionID)
	consentID = strings.TrimSpace(consentID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, grant := range r.consents {
		if grant.InstitutionID == institutionID && grant.ConsentID == consentID {
			return grant, nil
		}
	}
	return ConsentGrant{}, ErrConsentNotFound
}

func (r *MemoryRepository) SaveConsent(_ context.Context, grant ConsentGrant) error {
	if strings.TrimSpace(grant.UserID) == "" || strings.TrimSpace(grant.InstitutionID) == "" {
		return fmt.Errorf("core: consent user id and institution id are required")
	}
	if !grant.Status.Valid() {
		return fmt.Errorf("core: invalid consent status %q", grant.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consents[consentKey(grant.UserID, grant.InstitutionID)] = grant
	return nil
}

func (r *MemoryRepository) ListConsentsExpiringBefore(_ context.Context, cutoff time.Time) ([]ConsentGrant, error) {
	r.mu.RLock()
	out := make([]ConsentGrant, 0)
	for _, grant := range r.consents {
		if grant.Status.Terminal() {
			continue
		}
		if !grant.ExpiresAt.After(cutoff) {
			out = append(out, grant)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func cloneInstitution(institution TargetInstitution) TargetInstitution {
	if institution.TokenExpiresAt != nil {
		expiresAt := *institution.TokenExpiresAt
		institution.TokenExpiresAt = &expiresAt
	}
	return institution
}
