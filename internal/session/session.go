// Package session holds the authenticated identity for the current
// client and keeps its two physical encodings in sync: a bbolt
// database for processes that can read durable state, and a cookie
// pair for the edge layer, which cannot.
package session

import (
	"net/http"
	"time"
)

// Cookie names read by the edge layer. The durable store uses its own
// key scheme; the cookie channel is a separate physical encoding, not
// a mirror of the storage keys.
const (
	AccessCookie  = "access"
	RefreshCookie = "refresh"
)

// UserIdentity is the denormalized profile cached alongside the token
// so pages can render without a profile roundtrip.
type UserIdentity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Session is the authenticated identity for this client.
// User is non-nil iff AccessToken is non-empty, best effort; the
// pairing is violated transiently while a refresh is in flight.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *UserIdentity
}

// Empty reports whether the session carries no credentials at all.
func (s Session) Empty() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}

// Cookies returns the cookie pair encoding of the session. Both are
// path-scoped to the whole site, SameSite=Strict, and session-lived
// (no explicit expiry).
func Cookies(s Session) []*http.Cookie {
	return []*http.Cookie{
		{Name: AccessCookie, Value: s.AccessToken, Path: "/", SameSite: http.SameSiteStrictMode},
		{Name: RefreshCookie, Value: s.RefreshToken, Path: "/", SameSite: http.SameSiteStrictMode},
	}
}

// ExpiredCookies returns the cookie pair set to the epoch, which
// instructs the holder to drop both credentials.
func ExpiredCookies() []*http.Cookie {
	epoch := time.Unix(0, 0)

	return []*http.Cookie{
		{Name: AccessCookie, Value: "", Path: "/", Expires: epoch, MaxAge: -1, SameSite: http.SameSiteStrictMode},
		{Name: RefreshCookie, Value: "", Path: "/", Expires: epoch, MaxAge: -1, SameSite: http.SameSiteStrictMode},
	}
}

// FromRequestCookies extracts the token pair from an incoming request.
// Missing cookies yield empty strings; the edge layer treats absent
// and empty identically.
func FromRequestCookies(r *http.Request) (access, refresh string) {
	if c, err := r.Cookie(AccessCookie); err == nil {
		access = c.Value
	}

	if c, err := r.Cookie(RefreshCookie); err == nil {
		refresh = c.Value
	}

	return access, refresh
}
