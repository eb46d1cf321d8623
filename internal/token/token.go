// Package token owns the OAuth2 credential used to authenticate to an
// upstream mail server: acquiring it from an authorization code,
// caching it, and refreshing it once expired.
package token

import (
	"encoding/base64"
	"time"
)

// TokenSet is the cached bundle of provider-issued credentials for one
// upstream identity. It is only ever replaced wholesale: a failed
// exchange leaves the previous TokenSet untouched.
type TokenSet struct {
	CreatedAt    time.Time
	RefreshToken string
	AccessToken  string
	Expiry       time.Time

	// NagCount is incremented by renewal-reminder logic outside this
	// package.
	NagCount int
}

// Expired reports whether the access token's expiry lies before now.
func (t *TokenSet) Expired(now time.Time) bool {
	return t.Expiry.Before(now)
}

// EncodeXOAUTH2 builds the SASL XOAUTH2 initial response for the given
// mailbox identity and bearer token, ready to be placed into an AUTH
// continuation.
func EncodeXOAUTH2(identity, accessToken string) string {
	payload := "user=" + identity + "\nauth=Bearer " + accessToken + "\n\n"
	return base64.StdEncoding.EncodeToString([]byte(payload))
}
