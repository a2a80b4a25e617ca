package jwt

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Expiry reads the "exp" claim of an access token without verifying its
// signature. The client never holds the signing key; the result is only a hint
// for refreshing early. Opaque (non-JWT) tokens and tokens without "exp"
// report false.
func Expiry(rawToken string) (time.Time, bool) {
	if strings.Count(rawToken, ".") != 2 {
		return time.Time{}, false
	}

	claims := jwtlib.RegisteredClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ExpiresWithin reports whether the token is a JWT that expires within skew of now.
func ExpiresWithin(rawToken string, skew time.Duration) bool {
	exp, ok := Expiry(rawToken)
	if !ok {
		return false
	}
	return !NowTimeFunc().Add(skew).Before(exp)
}
