// Package session manages the short-lived WebChart session credential: a
// shared cache of records keyed by identity, the authentication strategies
// that mint credentials, and the Manager that ties them together.
package session

import "time"

// DefaultTTL is how long a credential is reused before re-authenticating.
const DefaultTTL = 5 * time.Minute

// keySeparator joins base URL and principal into a cache key.
const keySeparator = "_"

// Identity scopes a cached session to one backend and one principal.
// Principal is the login username or the WebChart user id, depending on
// the strategy.
type Identity struct {
	BaseURL   string
	Principal string
}

// Key returns the cache key for the identity.
func (id Identity) Key() string {
	return Key(id.BaseURL, id.Principal)
}

// Key derives the cache key for a base URL and principal.
func Key(baseURL, principal string) string {
	return baseURL + keySeparator + principal
}

// Record is a cached credential with its validity window.
type Record struct {
	Credential  string    `json:"credential"`
	RefreshedAt time.Time `json:"refreshed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// newRecord stamps a credential obtained at now.
func newRecord(credential string, now time.Time, ttl time.Duration) *Record {
	return &Record{
		Credential:  credential,
		RefreshedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Usable reports whether the record may still be used at now.
func (r *Record) Usable(now time.Time) bool {
	return r != nil && r.Credential != "" && now.Before(r.ExpiresAt)
}
