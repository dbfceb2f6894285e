package authn

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
)

// Validator classifies bearer tokens and resolves them to an AuthContext.
// JWT-shaped tokens are verified against the configured JWKS; all other
// tokens (ory_at_*, ory_ht_*, arbitrary opaque forms) are introspected.
type Validator struct {
	jwksURL   string
	issuers   []string
	audiences []string

	jwksCache *jwk.Cache

	// Lazy JWKS registration
	jwksRegistered     bool
	jwksRegistrationMu sync.Mutex
	jwksRegistrationErr error

	introspector *Introspector
	clients      *ClientDirectory
	log          *zap.Logger
}

type ValidatorConfig struct {
	JWKSURL       string
	Issuers       []string
	Audiences     []string
	IntrospectURL string
	AdminURL      string
}

func NewValidator(ctx context.Context, cfg ValidatorConfig, log *zap.Logger) (*Validator, error) {
	v := &Validator{
		jwksURL:      cfg.JWKSURL,
		issuers:      cfg.Issuers,
		audiences:    cfg.Audiences,
		introspector: NewIntrospector(cfg.IntrospectURL),
		clients:      NewClientDirectory(cfg.AdminURL),
		log:          log,
	}

	if cfg.JWKSURL != "" {
		httprcClient := httprc.NewClient(httprc.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
		cache, err := jwk.NewCache(ctx, httprcClient)
		if err != nil {
			return nil, fmt.Errorf("create JWKS cache: %w", err)
		}
		v.jwksCache = cache
	}
	return v, nil
}

// looksLikeJWT reports whether token has the header.payload.signature shape:
// exactly three non-empty base64url segments. Purely local; no network call
// happens for a malformed token.
func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// ResolveAuthContext resolves token to an AuthContext, or nil for any token
// that cannot be tied to a registered agent. Callers never learn why.
func (v *Validator) ResolveAuthContext(ctx context.Context, token string) *AuthContext {
	if token == "" {
		return nil
	}

	if v.jwksCache != nil && looksLikeJWT(token) {
		if ac := v.resolveJWT(ctx, token); ac != nil {
			return ac
		}
		// JWT verification failure falls back to introspection: the token may
		// be a JWT issued by the opaque-token server.
	}
	return v.resolveIntrospected(ctx, token)
}

// ── JWT path ────────────────────────────────────────────────────────────────

func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksCache.Register(regCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}
	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

func (v *Validator) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("lookup JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("export raw key: %w", err)
	}
	return rawKey, nil
}

func (v *Validator) resolveJWT(ctx context.Context, tokenString string) *AuthContext {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, t)
	})
	if err != nil || !token.Valid {
		return nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	if err := v.validateClaims(claims); err != nil {
		v.log.Debug("JWT claim validation failed", zap.Error(err))
		return nil
	}

	clientID, _ := claims["client_id"].(string)
	if clientID == "" {
		clientID, _ = claims["azp"].(string)
	}

	ac := &AuthContext{
		ClientID: clientID,
		Scopes:   scopesFromClaims(claims),
	}
	ac.IdentityID, _ = claims[ClaimIdentityID].(string)
	ac.PublicKey, _ = claims[ClaimPublicKey].(string)
	ac.Fingerprint, _ = claims[ClaimFingerprint].(string)

	return v.fillFromClientMetadata(ctx, ac)
}

func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if len(v.issuers) > 0 {
		iss, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("get issuer: %w", err)
		}
		if !containsString(v.issuers, strings.TrimSpace(iss)) {
			return fmt.Errorf("issuer %q not allowed", iss)
		}
	}

	if len(v.audiences) > 0 {
		auds, err := claims.GetAudience()
		if err != nil {
			return fmt.Errorf("get audience: %w", err)
		}
		found := false
		for _, aud := range auds {
			if containsString(v.audiences, aud) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("audience not allowed")
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return fmt.Errorf("token expired")
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && nbf.After(time.Now()) {
		return fmt.Errorf("token not yet valid")
	}
	return nil
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	if arr, ok := claims["scp"].([]any); ok {
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

// ── Introspection path ──────────────────────────────────────────────────────

func (v *Validator) resolveIntrospected(ctx context.Context, token string) *AuthContext {
	result, raw, _ := v.introspector.Introspect(ctx, token)
	if result == nil || !result.Active {
		return nil
	}

	ac := &AuthContext{
		ClientID:    result.ClientID,
		Scopes:      result.Scopes(),
		IdentityID:  result.ExtString(raw, ClaimIdentityID),
		PublicKey:   result.ExtString(raw, ClaimPublicKey),
		Fingerprint: result.ExtString(raw, ClaimFingerprint),
	}
	return v.fillFromClientMetadata(ctx, ac)
}

// fillFromClientMetadata resolves missing identity material from the OAuth2
// client's stored metadata. An AuthContext without an identity is useless, so
// a failed or empty lookup yields nil.
func (v *Validator) fillFromClientMetadata(ctx context.Context, ac *AuthContext) *AuthContext {
	if ac.IdentityID != "" {
		return ac
	}
	if ac.ClientID == "" {
		return nil
	}

	meta, err := v.clients.Metadata(ctx, ac.ClientID)
	if err != nil {
		v.log.Debug("client metadata lookup failed", zap.String("client_id", ac.ClientID), zap.Error(err))
		return nil
	}
	if meta.IdentityID == "" {
		return nil
	}
	ac.IdentityID = meta.IdentityID
	if ac.PublicKey == "" {
		ac.PublicKey = meta.PublicKey
	}
	if ac.Fingerprint == "" {
		ac.Fingerprint = meta.Fingerprint
	}
	return ac
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
