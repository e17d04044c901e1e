// Package identity binds external callers to tenants at the syscall
// boundary. Callers present a signed JWT; the verifier resolves it to a
// tenant before the dispatcher will classify anything.
package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

const (
	issuer   = "keel/identity"
	audience = "keel.internal"
)

// CallerClaims extends standard JWT claims with the tenant binding the
// dispatcher needs.
type CallerClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// TokenManager issues and validates caller tokens with an HMAC key.
type TokenManager struct {
	key []byte
}

// NewTokenManager creates a manager signing with the given secret.
func NewTokenManager(key []byte) *TokenManager {
	return &TokenManager{key: key}
}

// Issue creates a signed token binding subject to tenantID for ttl.
func (tm *TokenManager) Issue(subject, tenantID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.key)
}

// Validate parses and verifies a token string, returning its claims.
func (tm *TokenManager) Validate(tokenString string) (*CallerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallerClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return tm.key, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.CodeUnauthorized, kernelerr.CategoryUser,
			"caller token rejected")
	}
	claims, ok := token.Claims.(*CallerClaims)
	if !ok || !token.Valid {
		return nil, kernelerr.New(kernelerr.CodeUnauthorized, kernelerr.CategoryUser,
			"caller token claims invalid")
	}
	if claims.TenantID == "" {
		return nil, kernelerr.New(kernelerr.CodeUnauthorized, kernelerr.CategoryUser,
			"caller token carries no tenant")
	}
	return claims, nil
}
