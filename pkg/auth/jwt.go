package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTValidator validates bearer tokens from the platform auth provider and
// extracts the tenant/user binding. JWKS public keys are fetched from the
// provider and cached with auto-refresh to handle key rotation.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// Claims is the identity material extracted from a verified token.
type Claims struct {
	Subject  string
	TenantID string
	UserID   string
	AgentID  string
}

// NewJWTValidator creates a validator that auto-fetches JWKS from the
// provider. The initial fetch runs eagerly so a misconfigured URL fails at
// startup rather than on the first request.
func NewJWTValidator(ctx context.Context, jwksURL, issuer, audience string) (*JWTValidator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTValidator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken verifies signature, expiry, issuer, and audience, then
// extracts the tenant/user claims. tenant_id is mandatory; a token without
// it cannot scope anything and is rejected.
func (v *JWTValidator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims := &Claims{Subject: token.Subject()}
	if tenantID, ok := token.Get("tenant_id"); ok {
		claims.TenantID, _ = tenantID.(string)
	}
	if userID, ok := token.Get("user_id"); ok {
		claims.UserID, _ = userID.(string)
	}
	if agentID, ok := token.Get("agent_id"); ok {
		claims.AgentID, _ = agentID.(string)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token has no tenant_id claim")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
