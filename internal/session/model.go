package session

import "time"

// Session is a persisted login. The row is keyed by the one-way hash of the
// bearer token; the token itself lives only in the browser cookie and is
// never written to the store.
type Session struct {
	Hash         string    // base64url SHA-256 of the bearer token; storage key
	UserID       string    // identity provider subject, immutable per session
	AccessToken  string    // current access token from the identity provider
	RefreshToken string    // current refresh token from the identity provider
	// AccessExpiresAt and RefreshExpiresAt are absolute. The invariant
	// RefreshExpiresAt >= AccessExpiresAt holds for every stored row.
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Dead reports whether the session must no longer authenticate anyone.
// The boundary is closed: a session whose refresh expiry equals now is dead.
func (s Session) Dead(now time.Time) bool {
	return !now.Before(s.RefreshExpiresAt)
}

// AccessExpired reports whether the access token needs a refresh. Closed
// boundary, same convention as Dead.
func (s Session) AccessExpired(now time.Time) bool {
	return !now.Before(s.AccessExpiresAt)
}
