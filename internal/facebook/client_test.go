package facebook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(authURL, tokenURL, graphURL string) Config {
	return Config{
		AppID:       "test-app",
		AppSecret:   "test-secret",
		RedirectURI: "http://localhost:8080/login-facebook/",
		Scopes:      []string{"public_profile", "email"},
		AuthURL:     authURL,
		TokenURL:    tokenURL,
		GraphURL:    graphURL,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("applies facebook endpoint defaults", func(t *testing.T) {
		c := NewClient(Config{AppID: "app", AppSecret: "secret"})
		require.NotNil(t, c)
		assert.Contains(t, c.cfg.AuthURL, "facebook.com")
		assert.Contains(t, c.cfg.TokenURL, "facebook.com")
		assert.Equal(t, defaultGraphURL, c.cfg.GraphURL)
	})

	t.Run("keeps explicit endpoint overrides", func(t *testing.T) {
		c := NewClient(testConfig("http://a", "http://t", "http://g"))
		assert.Equal(t, "http://a", c.cfg.AuthURL)
		assert.Equal(t, "http://t", c.cfg.TokenURL)
		assert.Equal(t, "http://g", c.cfg.GraphURL)
	})
}

func TestAuthorizationURL(t *testing.T) {
	c := NewClient(testConfig("https://auth.example.com/dialog/oauth", "https://token.example.com", ""))

	t.Run("carries client id, redirect, scopes and state", func(t *testing.T) {
		raw := c.AuthorizationURL("state-123", []string{"public_profile", "email"})

		u, err := url.Parse(raw)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "test-app", q.Get("client_id"))
		assert.Equal(t, "http://localhost:8080/login-facebook/", q.Get("redirect_uri"))
		assert.Equal(t, "state-123", q.Get("state"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Contains(t, q.Get("scope"), "public_profile")
		assert.Contains(t, q.Get("scope"), "email")
	})

	t.Run("falls back to configured scopes", func(t *testing.T) {
		raw := c.AuthorizationURL("s", nil)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Contains(t, u.Query().Get("scope"), "public_profile")
	})
}

func TestExchangeCode(t *testing.T) {
	t.Run("returns access token on success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "good-code", r.FormValue("code"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-abc","token_type":"bearer","expires_in":3600}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", srv.URL, ""))
		token, err := c.ExchangeCode(context.Background(), "good-code")
		require.NoError(t, err)
		assert.Equal(t, "tok-abc", token)
	})

	t.Run("maps provider error body to rejected code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", srv.URL, ""))
		_, err := c.ExchangeCode(context.Background(), "stale-code")
		assert.ErrorIs(t, err, ErrProviderRejectedCode)
	})

	t.Run("maps unreachable endpoint to network error", func(t *testing.T) {
		c := NewClient(testConfig("http://unused", "http://127.0.0.1:1/token", ""))
		_, err := c.ExchangeCode(context.Background(), "any")
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("maps empty token to malformed response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token_type":"bearer"}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", srv.URL, ""))
		_, err := c.ExchangeCode(context.Background(), "code")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestFetchProfile(t *testing.T) {
	t.Run("requests configured fields plus id", func(t *testing.T) {
		var gotFields, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotFields = r.URL.Query().Get("fields")
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"1000","first_name":"Ana","last_name":"Lee","email":"ana@example.com"}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", "http://unused", srv.URL))
		profile, err := c.FetchProfile(context.Background(), "tok-abc", []string{"first_name", "last_name", "email"})
		require.NoError(t, err)

		assert.Equal(t, "id,first_name,last_name,email", gotFields)
		assert.Equal(t, "Bearer tok-abc", gotAuth)
		assert.Equal(t, "1000", profile.ID)
		assert.Equal(t, "Ana", profile.FirstName)
		assert.Equal(t, "Lee", profile.LastName)
		assert.Equal(t, "ana@example.com", profile.Field("email"))
	})

	t.Run("maps provider error envelope to rejected token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", "http://unused", srv.URL))
		_, err := c.FetchProfile(context.Background(), "expired", []string{"email"})
		assert.ErrorIs(t, err, ErrProviderRejectedToken)
	})

	t.Run("maps undecodable error body to malformed response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("<html>oops</html>"))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", "http://unused", srv.URL))
		_, err := c.FetchProfile(context.Background(), "tok", []string{"email"})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("rejects profile without id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"first_name":"Ana"}`))
		}))
		defer srv.Close()

		c := NewClient(testConfig("http://unused", "http://unused", srv.URL))
		_, err := c.FetchProfile(context.Background(), "tok", []string{"first_name"})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("cancelled context surfaces as network error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"1"}`))
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		c := NewClient(testConfig("http://unused", "http://unused", srv.URL))
		_, err := c.FetchProfile(ctx, "tok", []string{"email"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNetwork))
	})
}
