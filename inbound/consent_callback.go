package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/goliatone/go-multibank/core"
)

// ConsentService is the part of core.Service a consent callback needs.
type ConsentService interface {
	VerifyToken(ctx context.Context, institutionID string, token string) (core.Claims, error)
	UpdateConsentStatus(ctx context.Context, update core.ConsentStatusUpdate) (core.ConsentGrant, error)
}

// ConsentCallbackHandler applies an institution-signed consent decision.
// The callback carries a JWT with consent_id and status claims, signed by
// the institution's published keys.
type ConsentCallbackHandler struct {
	service ConsentService
}

func NewConsentCallbackHandler(service ConsentService) *ConsentCallbackHandler {
	return &ConsentCallbackHandler{service: service}
}

func (h *ConsentCallbackHandler) Kind() string { return KindConsentStatus }

func (h *ConsentCallbackHandler) Handle(ctx context.Context, req Request) (Result, error) {
	if h == nil || h.service == nil {
		return Result{}, internal.new("inbound: consent service is required", nil)
	}
	token := callbackToken(req)
	if token == "" {
		return Result{}, badInput.new("inbound: consent callback token is required", map[string]any{
			"institution_id": req.InstitutionID,
		})
	}

	claims, err := h.service.VerifyToken(ctx, req.InstitutionID, token)
	if err != nil {
		return Result{StatusCode: http.StatusUnauthorized}, err
	}
	consentID := firstClaim(claims, "consent_id", "consentId")
	if consentID == "" {
		return Result{}, badInput.new("inbound: consent_id claim is required", map[string]any{
			"institution_id": req.InstitutionID,
		})
	}
	status, err := callbackStatus(firstClaim(claims, "status", "consent_status"))
	if err != nil {
		return Result{}, badInput.wrap(err, "inbound: unsupported consent status", map[string]any{
			"institution_id": req.InstitutionID,
			"consent_id":     consentID,
		})
	}

	grant, err := h.service.UpdateConsentStatus(ctx, core.ConsentStatusUpdate{
		InstitutionID: req.InstitutionID,
		ConsentID:     consentID,
		Status:        status,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Metadata: map[string]any{
			"consent_id": grant.ConsentID,
			"user_id":    grant.UserID,
			"status":     string(grant.Status),
		},
	}, nil
}

// callbackToken reads a bearer header, a JSON body with a token field, or
// a raw compact JWT body, in that order.
func callbackToken(req Request) string {
	if auth := headerValue(req.Headers, "authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	body := strings.TrimSpace(string(req.Body))
	if body == "" {
		return ""
	}
	if strings.HasPrefix(body, "{") {
		var payload struct {
			Token string `json:"token"`
			JWT   string `json:"jwt"`
		}
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return ""
		}
		if token := strings.TrimSpace(payload.Token); token != "" {
			return token
		}
		return strings.TrimSpace(payload.JWT)
	}
	if strings.Count(body, ".") == 2 {
		return body
	}
	return ""
}

// callbackStatus accepts Open Banking spellings next to the internal ones.
func callbackStatus(value string) (core.ConsentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "authorised", "authorized", "approved":
		return core.ConsentStatusApproved, nil
	case "rejected", "revoked", "declined":
		return core.ConsentStatusRejected, nil
	}
	return core.ParseConsentStatus(value)
}

func firstClaim(claims core.Claims, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(claims.String(key)); value != "" {
			return value
		}
	}
	return ""
}

var _ Handler = (*ConsentCallbackHandler)(nil)
