package login

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginbridge/loginbridge/internal/directory"
)

func TestTokenIssuer(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour, false)
	user := &directory.User{
		ID:       "u-1",
		Username: "analee",
		Roles:    []string{"login-facebook"},
	}

	t.Run("issue and validate round trip", func(t *testing.T) {
		rec := httptest.NewRecorder()
		signed, err := issuer.Issue(rec, user)
		require.NoError(t, err)
		require.NotEmpty(t, signed)

		var cookie *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == AuthCookieName {
				cookie = c
			}
		}
		require.NotNil(t, cookie)
		assert.True(t, cookie.HttpOnly)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)

		claims, err := issuer.Validate(req)
		require.NoError(t, err)
		assert.Equal(t, "u-1", claims.Subject)
		assert.Equal(t, "analee", claims.Username)
		assert.Equal(t, []string{"login-facebook"}, claims.Roles)
	})

	t.Run("rejects a foreign signature", func(t *testing.T) {
		rec := httptest.NewRecorder()
		signed, err := NewTokenIssuer("other-secret", time.Hour, false).Issue(rec, user)
		require.NoError(t, err)

		_, err = issuer.ValidateToken(signed)
		assert.Error(t, err)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		signed, err := NewTokenIssuer("secret", time.Millisecond, false).Issue(rec, user)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = issuer.ValidateToken(signed)
		assert.Error(t, err)
	})

	t.Run("rejects a missing cookie", func(t *testing.T) {
		_, err := issuer.Validate(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})
}
