// Package token decodes bearer token claims without verifying the
// signature. The backend is the only party that verifies tokens; the
// client side only needs expiry and subject to make routing and
// renewal decisions, so decode failures are folded into "invalid"
// rather than surfaced as errors.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryThreshold is the window callers use when asking whether
// a token is close enough to expiry to renew proactively.
const DefaultExpiryThreshold = 300 * time.Second

// Claims are the decoded fields the session layer cares about.
type Claims struct {
	// ExpiresAt is the exp claim in unix seconds.
	ExpiresAt int64

	// Subject is the sub claim (user identifier), or "" when absent.
	Subject string
}

// Decode parses the token payload without signature verification.
// The second return is false for empty, malformed, or exp-less tokens.
// Decode never panics and never returns an error.
func Decode(raw string) (Claims, bool) {
	if raw == "" {
		return Claims{}, false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return Claims{}, false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, false
	}

	// exp is a JSON number; anything else means the token is not one
	// of ours.
	exp, ok := claims["exp"].(float64)
	if !ok {
		return Claims{}, false
	}

	sub, _ := claims["sub"].(string)

	return Claims{ExpiresAt: int64(exp), Subject: sub}, true
}

// IsValid reports whether the token decodes and its exp lies in the
// future. Safe to call with "".
func IsValid(raw string) bool {
	c, ok := Decode(raw)
	if !ok {
		return false
	}

	return c.ExpiresAt > time.Now().Unix()
}

// IsExpiringSoon reports whether the token expires within threshold.
// Undecodable tokens count as expiring (renewal is the safe answer).
func IsExpiringSoon(raw string, threshold time.Duration) bool {
	c, ok := Decode(raw)
	if !ok {
		return true
	}

	remaining := c.ExpiresAt - time.Now().Unix()

	return remaining < int64(threshold.Seconds())
}
