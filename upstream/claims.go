package upstream

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeClaims reads the claims of a JWT without verifying its signature.
// It is only used to judge expiry and pick a display name.
func DecodeClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// Lifetime returns the iat and exp claims of a JWT access token. ok is false
// for opaque tokens and tokens without exp.
func Lifetime(raw string) (issuedAt, expiresAt time.Time, ok bool) {
	claims, err := DecodeClaims(raw)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, time.Time{}, false
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issuedAt = iat.Time
	}
	return issuedAt, exp.Time, true
}

// SubjectName picks the session display name: the identity token's name,
// then its sub, then the access token's sub.
func SubjectName(idToken, accessToken string) string {
	if idToken != "" {
		if claims, err := DecodeClaims(idToken); err == nil {
			if name, ok := claims["name"].(string); ok && name != "" {
				return name
			}
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		}
	}
	if claims, err := DecodeClaims(accessToken); err == nil {
		if sub, err := claims.GetSubject(); err == nil {
			return sub
		}
	}
	return ""
}

// NeedsRefresh reports whether a token issued at iat and expiring at exp
// should be refreshed at now, given the fraction of its lifetime after which
// it counts as near expiry. A zero iat only triggers once expired.
func NeedsRefresh(now, iat, exp time.Time, threshold float64) bool {
	if !now.Before(exp) {
		return true
	}
	if iat.IsZero() || !exp.After(iat) {
		return false
	}
	lifetime := exp.Sub(iat)
	return !now.Before(iat.Add(time.Duration(float64(lifetime) * threshold)))
}
