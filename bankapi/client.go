// Package bankapi speaks the institution HTTP API: consent creation,
// account listing and signing key publication.
package bankapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/transport"
)

const (
	PathAccounts        = "/accounts"
	PathAccountConsents = "/account-consents"
	PathJWKS            = "/.well-known/jwks.json"

	HeaderRequestingBank = "X-Requesting-Bank"
	HeaderConsentID      = "X-Consent-Id"
)

type ClientConfig struct {
	// Timeout bounds a single call. Zero leaves the deadline to ctx.
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Client struct {
	transport core.TransportAdapter
	config    ClientConfig
}

func NewClient(adapter core.TransportAdapter, cfg ClientConfig) *Client {
	if adapter == nil {
		adapter = transport.NewRESTAdapter(nil)
	}
	return &Client{transport: adapter, config: cfg}
}

type consentRequestBody struct {
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	ExpiresIn   int64    `json:"expires_in"`
}

type consentResponseBody struct {
	ConsentID   string `json:"consent_id"`
	ApprovalURL string `json:"approval_url"`
	Data        *struct {
		ConsentID   string `json:"consent_id"`
		ApprovalURL string `json:"approval_url"`
	} `json:"data,omitempty"`
}

func (c *Client) CreateConsent(
	ctx context.Context,
	institution core.TargetInstitution,
	token string,
	requestingBank string,
	req core.ConsentCreation,
) (core.ConsentCreated, error) {
	body, err := json.Marshal(consentRequestBody{
		ClientID:    req.ClientID,
		Permissions: append([]string{}, req.Permissions...),
		ExpiresIn:   int64(req.ExpiresIn / time.Second),
	})
	if err != nil {
		return core.ConsentCreated{}, fmt.Errorf("bankapi: encode consent request: %w", err)
	}

	headers := bearer(token)
	headers["Content-Type"] = "application/json"
	if requestingBank = strings.TrimSpace(requestingBank); requestingBank != "" {
		headers[HeaderRequestingBank] = requestingBank
	}

	raw, err := c.call(ctx, institution, http.MethodPost, PathAccountConsents, headers, body)
	if err != nil {
		return core.ConsentCreated{}, err
	}

	var decoded consentResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return core.ConsentCreated{}, fetchError(institution, 0, fmt.Errorf("bankapi: decode consent response: %w", err))
	}
	created := core.ConsentCreated{
		ConsentID:   strings.TrimSpace(decoded.ConsentID),
		ApprovalURL: strings.TrimSpace(decoded.ApprovalURL),
	}
	if decoded.Data != nil {
		if created.ConsentID == "" {
			created.ConsentID = strings.TrimSpace(decoded.Data.ConsentID)
		}
		if created.ApprovalURL == "" {
			created.ApprovalURL = strings.TrimSpace(decoded.Data.ApprovalURL)
		}
	}
	if created.ConsentID == "" {
		return core.ConsentCreated{}, fetchError(institution, 0, fmt.Errorf("bankapi: consent response missing consent_id"))
	}
	return created, nil
}

// FetchAccounts returns the raw accounts body. Interbank routes carry the
// requesting bank and consent headers; own-institution routes send only
// the bearer token.
func (c *Client) FetchAccounts(ctx context.Context, institution core.TargetInstitution, req core.AccountsRequest) ([]byte, error) {
	headers := bearer(req.Token)
	if req.Route.Mode == core.RouteInterbank {
		if req.Route.Consent == nil || strings.TrimSpace(req.Route.Consent.ConsentID) == "" {
			return nil, fetchError(institution, 0, fmt.Errorf("bankapi: interbank route requires a consent id"))
		}
		headers[HeaderRequestingBank] = strings.TrimSpace(req.RequestingBank)
		headers[HeaderConsentID] = strings.TrimSpace(req.Route.Consent.ConsentID)
	}
	return c.call(ctx, institution, http.MethodGet, PathAccounts, headers, nil)
}

func (c *Client) KeySet(ctx context.Context, institution core.TargetInstitution) ([]byte, error) {
	return c.call(ctx, institution, http.MethodGet, PathJWKS, map[string]string{}, nil)
}

func (c *Client) call(
	ctx context.Context,
	institution core.TargetInstitution,
	method string,
	path string,
	headers map[string]string,
	body []byte,
) ([]byte, error) {
	if c == nil || c.transport == nil {
		return nil, fmt.Errorf("bankapi: client is not configured")
	}
	if strings.TrimSpace(institution.APIBaseURL) == "" {
		return nil, fetchError(institution, 0, fmt.Errorf("bankapi: institution has no api base url"))
	}
	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method:               method,
		URL:                  institution.Endpoint(path),
		Headers:              headers,
		Body:                 body,
		Timeout:              c.config.Timeout,
		MaxResponseBodyBytes: c.config.MaxResponseBodyBytes,
		LimitKey:             institution.ID,
		Metadata:             map[string]any{"institution_id": institution.ID, "path": path},
	})
	if err != nil {
		return nil, fetchError(institution, 0, err)
	}
	if !transport.IsSuccess(res) {
		return nil, fetchError(institution, res.StatusCode, fmt.Errorf("bankapi: %s %s returned status %d", method, path, res.StatusCode))
	}
	return res.Body, nil
}

func bearer(token string) map[string]string {
	headers := map[string]string{}
	if token = strings.TrimSpace(token); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

func fetchError(institution core.TargetInstitution, status int, err error) error {
	return &core.InstitutionFetchError{
		InstitutionID: institution.ID,
		Institution:   institution.Label(),
		StatusCode:    status,
		Err:           err,
	}
}

var (
	_ core.InstitutionAPI = (*Client)(nil)
	_ core.KeySetSource   = (*Client)(nil)
)
