package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-multibank/core"
)

var (
	errKeyNotFound   = errors.New("auth: signing key not found in institution key set")
	errIssuerUnknown = errors.New("auth: no expected issuer for institution")
)

// DefaultSigningMethods lists the asymmetric algorithms institutions may
// sign with. Symmetric algorithms are never accepted against a JWKS.
var DefaultSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// IssuerResolver returns the expected iss claim for an institution. An
// empty result fails verification.
type IssuerResolver func(institution core.TargetInstitution) string

func InstitutionCodeIssuer(institution core.TargetInstitution) string {
	return strings.TrimSpace(institution.Code)
}

type JWKSVerifierConfig struct {
	Issuer   IssuerResolver
	Audience string
	Methods  []string
	Leeway   time.Duration
	Now      func() time.Time
}

type JWKSVerifier struct {
	source core.KeySetSource
	config JWKSVerifierConfig
}

func NewJWKSVerifier(source core.KeySetSource, cfg JWKSVerifierConfig) *JWKSVerifier {
	if cfg.Issuer == nil {
		cfg.Issuer = InstitutionCodeIssuer
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = append([]string(nil), DefaultSigningMethods...)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &JWKSVerifier{source: source, config: cfg}
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string, institution core.TargetInstitution) (core.Claims, error) {
	if v == nil || v.source == nil {
		return nil, verificationError(institution, core.VerificationKeySetUnavailable, fmt.Errorf("auth: jwks verifier is not configured"))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, verificationError(institution, core.VerificationMalformed, fmt.Errorf("auth: token is empty"))
	}

	claims, err := v.verify(ctx, token, institution)
	if err == nil {
		return claims, nil
	}
	kind, _ := core.VerificationKind(err)
	invalidator, ok := v.source.(core.KeySetInvalidator)
	if kind != core.VerificationKeyNotFound || !ok {
		return nil, err
	}
	// The institution may have rotated keys since the set was cached.
	if invalidateErr := invalidator.InvalidateKeySet(ctx, institution); invalidateErr != nil {
		return nil, err
	}
	return v.verify(ctx, token, institution)
}

func (v *JWKSVerifier) verify(ctx context.Context, token string, institution core.TargetInstitution) (core.Claims, error) {
	raw, err := v.source.KeySet(ctx, institution)
	if err != nil {
		return nil, verificationError(institution, core.VerificationKeySetUnavailable, err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, verificationError(institution, core.VerificationKeySetUnavailable, fmt.Errorf("auth: decode jwks: %w", err))
	}

	parser, err := v.parser(institution)
	if err != nil {
		return nil, verificationError(institution, core.VerificationClaimsInvalid, err)
	}
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(token, claims, func(parsed *jwt.Token) (any, error) {
		kid, _ := parsed.Header["kid"].(string)
		return lookupKey(set, kid)
	})
	if err != nil {
		return nil, verificationError(institution, classify(err), err)
	}
	return core.Claims(claims), nil
}

func (v *JWKSVerifier) parser(institution core.TargetInstitution) (*jwt.Parser, error) {
	issuer := strings.TrimSpace(v.config.Issuer(institution))
	if issuer == "" {
		return nil, errIssuerUnknown
	}
	options := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods(v.config.Methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.config.Now),
	}
	if v.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(v.config.Leeway))
	}
	if audience := strings.TrimSpace(v.config.Audience); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	return jwt.NewParser(options...), nil
}

// lookupKey resolves the verification key by kid. A token without kid is
// accepted only when the set holds a single signing key.
func lookupKey(set jose.JSONWebKeySet, kid string) (any, error) {
	var candidates []jose.JSONWebKey
	if strings.TrimSpace(kid) != "" {
		candidates = set.Key(kid)
	} else {
		candidates = set.Keys
		if len(candidates) != 1 {
			candidates = nil
		}
	}
	for _, key := range candidates {
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if !key.IsPublic() {
			key = key.Public()
		}
		if key.Key != nil {
			return key.Key, nil
		}
	}
	return nil, errKeyNotFound
}

func classify(err error) core.VerificationFailureKind {
	switch {
	case errors.Is(err, errKeyNotFound):
		return core.VerificationKeyNotFound
	case errors.Is(err, jwt.ErrTokenMalformed):
		return core.VerificationMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return core.VerificationSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.VerificationExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return core.VerificationClaimsInvalid
	default:
		return core.VerificationMalformed
	}
}

func verificationError(institution core.TargetInstitution, kind core.VerificationFailureKind, err error) error {
	return &core.VerificationError{Kind: kind, InstitutionID: institution.ID, Err: err}
}

var _ core.TokenVerifier = (*JWKSVerifier)(nil)
