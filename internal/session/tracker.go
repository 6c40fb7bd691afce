// Package session tracks per-browser-session OAuth state: the anti-forgery
// state token issued before the provider redirect and, after the callback,
// the fetched profile and access token. Sessions live server-side in a TTL
// store; the browser only carries an opaque session id cookie.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/loginbridge/loginbridge/internal/facebook"
	cache "github.com/patrickmn/go-cache"
)

// CookieName is the browser session cookie.
const CookieName = "lb_session"

// Session is the transient state bridging the two HTTP requests of the
// redirect-based flow. The access token is short-lived and never persisted
// beyond the session.
type Session struct {
	ID          string
	State       string
	AccessToken string
	Profile     *facebook.Profile
	UserID      string
}

// Authenticated reports whether the session already carries a logged-in
// local user.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// Tracker stores sessions in memory with a TTL. A session is
// single-request-in-flight, so no locking beyond the store's own is needed.
type Tracker struct {
	store  *cache.Cache
	ttl    time.Duration
	secure bool
}

// NewTracker creates a session tracker. Sessions expire after ttl of
// inactivity; secure controls the Secure attribute on the cookie.
func NewTracker(ttl time.Duration, secure bool) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tracker{
		store:  cache.New(ttl, 10*time.Minute),
		ttl:    ttl,
		secure: secure,
	}
}

// Ensure returns the request's session, creating one (and setting the
// cookie) when the browser has none or presents an expired id.
func (t *Tracker) Ensure(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if c, err := r.Cookie(CookieName); err == nil {
		if s := t.Get(c.Value); s != nil {
			return s, nil
		}
	}

	id, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	s := &Session{ID: id}
	t.Save(s)

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(t.ttl.Seconds()),
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return s, nil
}

// Get returns the session for an id, or nil when absent or expired.
func (t *Tracker) Get(id string) *Session {
	if v, ok := t.store.Get(id); ok {
		return v.(*Session)
	}
	return nil
}

// Save writes the session back to the store, refreshing its TTL.
func (t *Tracker) Save(s *Session) {
	t.store.Set(s.ID, s, cache.DefaultExpiration)
}

// Count returns the number of live sessions, including ones expired but not
// yet evicted.
func (t *Tracker) Count() int {
	return t.store.ItemCount()
}

// Destroy removes the session and expires the browser cookie.
func (t *Tracker) Destroy(w http.ResponseWriter, id string) {
	t.store.Delete(id)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.secure,
	})
}

// BeginFlow generates a fresh anti-forgery state token for the session,
// overwriting any prior pending token. Only one flow may be pending per
// session.
func (t *Tracker) BeginFlow(s *Session) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	s.State = token
	t.Save(s)
	return token, nil
}

// VerifyAndConsume compares the received state to the pending token in
// constant time. The pending token is cleared on every call, so a token
// verifies successfully at most once and a mismatch leaves no usable
// pending state.
func (t *Tracker) VerifyAndConsume(s *Session, received string) bool {
	pending := s.State
	s.State = ""
	t.Save(s)

	if pending == "" || received == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pending), []byte(received)) == 1
}

// randomToken returns a 256-bit random value, base64url encoded.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
