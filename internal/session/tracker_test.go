package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure(t *testing.T) {
	tracker := NewTracker(time.Hour, false)

	t.Run("creates session and sets cookie for fresh browser", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/login-facebook/", nil)

		s, err := tracker.Ensure(w, r)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.NotEmpty(t, s.ID)

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, CookieName, cookies[0].Name)
		assert.Equal(t, s.ID, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("returns existing session for known cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/login-facebook/", nil)
		first, err := tracker.Ensure(w, r)
		require.NoError(t, err)

		r2 := httptest.NewRequest(http.MethodGet, "/login-facebook/", nil)
		r2.AddCookie(&http.Cookie{Name: CookieName, Value: first.ID})
		second, err := tracker.Ensure(httptest.NewRecorder(), r2)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("replaces unknown cookie with a new session", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login-facebook/", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "stale-id"})

		s, err := tracker.Ensure(httptest.NewRecorder(), r)
		require.NoError(t, err)
		assert.NotEqual(t, "stale-id", s.ID)
	})
}

func TestBeginFlow(t *testing.T) {
	tracker := NewTracker(time.Hour, false)
	s := &Session{ID: "sess-1"}
	tracker.Save(s)

	t.Run("issues a fresh token each time", func(t *testing.T) {
		first, err := tracker.BeginFlow(s)
		require.NoError(t, err)
		assert.NotEmpty(t, first)

		second, err := tracker.BeginFlow(s)
		require.NoError(t, err)
		assert.NotEqual(t, first, second, "prior pending token must be overwritten")
		assert.Equal(t, second, s.State)
	})

	t.Run("token has at least 128 bits of entropy", func(t *testing.T) {
		token, err := tracker.BeginFlow(s)
		require.NoError(t, err)
		// 32 random bytes, base64url: 43 characters
		assert.GreaterOrEqual(t, len(token), 22)
	})
}

func TestVerifyAndConsume(t *testing.T) {
	t.Run("succeeds exactly once for a matching token", func(t *testing.T) {
		tracker := NewTracker(time.Hour, false)
		s := &Session{ID: "sess-2"}
		tracker.Save(s)

		token, err := tracker.BeginFlow(s)
		require.NoError(t, err)

		assert.True(t, tracker.VerifyAndConsume(s, token))
		assert.False(t, tracker.VerifyAndConsume(s, token), "token is single-use")
	})

	t.Run("mismatch fails and clears pending state", func(t *testing.T) {
		tracker := NewTracker(time.Hour, false)
		s := &Session{ID: "sess-3"}
		tracker.Save(s)

		token, err := tracker.BeginFlow(s)
		require.NoError(t, err)

		assert.False(t, tracker.VerifyAndConsume(s, "forged"))
		assert.False(t, tracker.VerifyAndConsume(s, token), "mismatch must leave no usable pending state")
	})

	t.Run("fails with no pending flow", func(t *testing.T) {
		tracker := NewTracker(time.Hour, false)
		s := &Session{ID: "sess-4"}
		tracker.Save(s)

		assert.False(t, tracker.VerifyAndConsume(s, "anything"))
	})
}

func TestDestroy(t *testing.T) {
	tracker := NewTracker(time.Hour, false)
	s := &Session{ID: "sess-5", UserID: "u1"}
	tracker.Save(s)
	require.True(t, s.Authenticated())

	w := httptest.NewRecorder()
	tracker.Destroy(w, s.ID)

	assert.Nil(t, tracker.Get(s.ID))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
