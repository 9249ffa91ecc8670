package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/transport"
)

const GrantTypeClientCredentials = "client_credentials"

type ClientCredentialsConfig struct {
	// CredentialsInQuery also sends client_id and client_secret as query
	// parameters, for institutions that ignore the form body.
	CredentialsInQuery bool
	Scopes             []string
	Timeout            time.Duration
}

// ClientCredentialsExchanger obtains institution access tokens with the
// OAuth2 client credentials grant.
type ClientCredentialsExchanger struct {
	transport core.TransportAdapter
	config    ClientCredentialsConfig
}

func NewClientCredentialsExchanger(adapter core.TransportAdapter, cfg ClientCredentialsConfig) *ClientCredentialsExchanger {
	if adapter == nil {
		adapter = transport.NewRESTAdapter(nil)
	}
	cfg.Scopes = normalizeValues(cfg.Scopes)
	return &ClientCredentialsExchanger{transport: adapter, config: cfg}
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (e *ClientCredentialsExchanger) Exchange(
	ctx context.Context,
	identity core.RequestingIdentity,
	institution core.TargetInstitution,
) (core.IssuedToken, error) {
	if e == nil || e.transport == nil {
		return core.IssuedToken{}, fmt.Errorf("auth: client credentials exchanger is not configured")
	}
	if err := identity.Validate(); err != nil {
		return core.IssuedToken{}, err
	}
	endpoint := strings.TrimSpace(institution.AuthEndpoint)
	if endpoint == "" {
		return core.IssuedToken{}, fmt.Errorf("auth: institution %q has no auth endpoint", institution.ID)
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeClientCredentials)
	form.Set("client_id", identity.ClientID)
	form.Set("client_secret", identity.ClientSecret)
	if len(e.config.Scopes) > 0 {
		form.Set("scope", strings.Join(e.config.Scopes, " "))
	}

	req := core.TransportRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
		Body:     []byte(form.Encode()),
		Timeout:  e.config.Timeout,
		LimitKey: institution.ID,
	}
	if e.config.CredentialsInQuery {
		req.Query = map[string]string{
			"client_id":     identity.ClientID,
			"client_secret": identity.ClientSecret,
		}
	}

	res, err := e.transport.Do(ctx, req)
	if err != nil {
		return core.IssuedToken{}, &core.InstitutionFetchError{
			InstitutionID: institution.ID,
			Institution:   institution.Label(),
			Err:           err,
		}
	}
	if !transport.IsSuccess(res) {
		return core.IssuedToken{}, &core.InstitutionFetchError{
			InstitutionID: institution.ID,
			Institution:   institution.Label(),
			StatusCode:    res.StatusCode,
			Err:           fmt.Errorf("auth: token endpoint rejected client credentials: %s", snippet(res.Body)),
		}
	}

	var payload tokenResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return core.IssuedToken{}, fmt.Errorf("auth: decode token response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return core.IssuedToken{}, fmt.Errorf("auth: token response missing access_token")
	}
	expiresIn, err := parseExpiresIn(payload.ExpiresIn)
	if err != nil {
		return core.IssuedToken{}, err
	}
	return core.IssuedToken{
		AccessToken: strings.TrimSpace(payload.AccessToken),
		TokenType:   firstNonEmpty(payload.TokenType, "bearer"),
		ExpiresIn:   expiresIn,
	}, nil
}

// parseExpiresIn accepts a number or a numeric string. A missing value
// returns zero so the caller applies its default lifetime.
func parseExpiresIn(raw json.RawMessage) (time.Duration, error) {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return 0, nil
	}
	value = strings.Trim(value, `"`)
	if value == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("auth: invalid expires_in %q", value)
	}
	if seconds <= 0 {
		return 0, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

var _ core.TokenExchanger = (*ClientCredentialsExchanger)(nil)
