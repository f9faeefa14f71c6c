package adminchat

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The client never holds the signing key; tokens are inspected, not
// verified. The server remains the authority on validity.

// Claim names carrying the user id, in lookup order.
var userIDClaims = []string{
	"sub",
	"nameid",
	"user_id",
	"userId",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
}

// TokenInfo is what the client reads out of a bearer token.
type TokenInfo struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// Expired reports whether the token's expiry has passed at now. Tokens
// without an expiry never expire.
func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// InspectToken decodes the claims of a JWT without verifying its signature.
func InspectToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("inspect token: %w", err)
	}
	info := &TokenInfo{}
	for _, name := range userIDClaims {
		if v, ok := claims[name].(string); ok && v != "" {
			info.UserID = v
			break
		}
	}
	for _, name := range []string{"role", "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"} {
		if v, ok := claims[name].(string); ok && v != "" {
			info.Role = v
			break
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("inspect token: %w", err)
	}
	if exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
