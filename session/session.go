// Package session manages the authenticated SHiFT session: the login flow,
// the in-memory session value handed to the redemption client, and the
// on-disk cookie cache that lets later runs skip re-login.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// Session is the authentication context required to submit redemption
// requests. It owns the cookie-bearing HTTP client; nothing outside this
// package mutates it.
type Session struct {
	user      string
	token     string // CSRF token scraped from the login page
	createdAt time.Time
	client    *http.Client
	valid     bool
}

// User returns the account identity that obtained this session.
func (s *Session) User() string { return s.user }

// Token returns the CSRF token the redemption site expects on form posts.
func (s *Session) Token() string { return s.token }

// CreatedAt returns when the session was established or loaded from cache.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Client returns the HTTP client carrying the session cookies.
func (s *Session) Client() *http.Client { return s.client }

// Valid reports whether the manager still considers this session usable.
func (s *Session) Valid() bool { return s != nil && s.valid }

// cachedCookie is the serialized form of one session cookie.
type cachedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Domain  string    `json:"domain,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// cacheFile is the serialized session persisted to the data directory.
type cacheFile struct {
	User      string         `json:"user"`
	Token     string         `json:"token"`
	CreatedAt time.Time      `json:"created_at"`
	Cookies   []cachedCookie `json:"cookies"`
}

func toCachedCookies(cookies []*http.Cookie) []cachedCookie {
	out := make([]cachedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, cachedCookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Domain:  c.Domain,
			Expires: c.Expires,
		})
	}
	return out
}

func fromCachedCookies(cached []cachedCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cached))
	for _, c := range cached {
		out = append(out, &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Domain:  c.Domain,
			Expires: c.Expires,
		})
	}
	return out
}

// accountHash scopes the cache file to the account so a credential change
// never resurrects another account's cookies.
func accountHash(user string) string {
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:4])
}
