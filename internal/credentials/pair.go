// Package credentials holds the current access/refresh credential pair.
//
// The Store is the only owner of the pair. Readers get a value snapshot and never a
// pointer into shared state, so a reader can not observe a half-written pair.
package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Pair is an access/refresh credential pair. Both tokens are opaque bearer strings.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether the pair carries no credential at all.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// HasRefresh reports whether a refresh credential is present.
func (p Pair) HasRefresh() bool {
	return p.RefreshToken != ""
}

// AccessExpiry decodes the exp claim of the access token when it is a JWT.
// The signature is not verified; the result is informational only.
func (p Pair) AccessExpiry() (time.Time, bool) {
	if p.AccessToken == "" {
		return time.Time{}, false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
