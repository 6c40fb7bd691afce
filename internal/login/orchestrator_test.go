package login

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginbridge/loginbridge/internal/audit"
	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/metrics"
	"github.com/loginbridge/loginbridge/internal/provision"
	"github.com/loginbridge/loginbridge/internal/session"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// fakeProvider is an in-process stand-in for the Graph API endpoints,
// counting token exchanges and profile fetches.
type fakeProvider struct {
	server    *httptest.Server
	exchanges atomic.Int64
	fetches   atomic.Int64

	profile map[string]interface{}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{
		profile: map[string]interface{}{
			"id":         "9001",
			"first_name": "Ana",
			"last_name":  "Lee",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.exchanges.Add(1)
		r.ParseForm()
		if r.FormValue("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "fp-token",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		fp.fetches.Add(1)
		if r.Header.Get("Authorization") != "Bearer fp-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"message": "bad token", "type": "OAuthException", "code": 190},
			})
			return
		}
		json.NewEncoder(w).Encode(fp.profile)
	})

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

type testStack struct {
	orchestrator *Orchestrator
	store        *directory.SQLiteStore
	settings     *settings.Manager
	auditor      *audit.Manager
	provider     *fakeProvider
	cfgPath      string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	store, err := directory.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	sm, err := settings.NewManager(store.DB(), logger)
	require.NoError(t, err)

	auditStore, err := audit.NewSQLiteStore(store.DB(), logger)
	require.NoError(t, err)
	auditor := audit.NewManager(auditStore, logger)

	tracker := session.NewTracker(time.Hour, false)
	collector := metrics.NewCollector(tracker.Count)

	provisioner := provision.NewProvisioner(store, logger)
	provisioner.SetAuditManager(auditor)
	provisioner.SetMetrics(collector)

	fp := newFakeProvider(t)

	o := NewOrchestrator(Options{
		Settings:    sm,
		Sessions:    tracker,
		Provisioner: provisioner,
		Tokens:      NewTokenIssuer("test-secret", time.Hour, false),
		Audit:       auditor,
		Metrics:     collector,
		Logger:      logger,
		PublicURL:   "http://cms.example.com",
	})
	o.SetProviderEndpoints(fp.server.URL+"/auth", fp.server.URL+"/token", fp.server.URL)

	require.NoError(t, sm.BulkUpdate(map[string]string{
		"oauth.app_id":     "app-1",
		"oauth.app_secret": "secret-1",
	}))

	return &testStack{
		orchestrator: o,
		store:        store,
		settings:     sm,
		auditor:      auditor,
		provider:     fp,
		cfgPath:      "/login-facebook/",
	}
}

// get performs one request against the login path, carrying cookies from
// previous responses.
func (ts *testStack) get(t *testing.T, rawQuery string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	target := ts.cfgPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ts.orchestrator.Handle(rec, req)
	return rec
}

func mergeCookies(existing []*http.Cookie, rec *httptest.ResponseRecorder) []*http.Cookie {
	byName := make(map[string]*http.Cookie)
	for _, c := range existing {
		byName[c.Name] = c
	}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(byName, c.Name)
			continue
		}
		byName[c.Name] = c
	}
	merged := make([]*http.Cookie, 0, len(byName))
	for _, c := range byName {
		merged = append(merged, c)
	}
	return merged
}

// beginFlow visits the login path and returns the state from the provider
// redirect plus the session cookie.
func (ts *testStack) beginFlow(t *testing.T) (string, []*http.Cookie) {
	t.Helper()
	rec := ts.get(t, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return state, mergeCookies(nil, rec)
}

func TestFirstLoginCreatesUser(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.settings.Set("flow.after_login_url", "/welcome/"))

	state, cookies := ts.beginFlow(t)

	rec := ts.get(t, fmt.Sprintf("code=good-code&state=%s", url.QueryEscape(state)), cookies)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/welcome/", rec.Header().Get("Location"))

	t.Run("local user is provisioned", func(t *testing.T) {
		user, err := ts.store.FindByFacebookID("9001")
		require.NoError(t, err)
		assert.Equal(t, "analee", user.Username)
		assert.True(t, user.HasRole("login-facebook"))
	})

	t.Run("auth cookie is set", func(t *testing.T) {
		var authCookie *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == AuthCookieName {
				authCookie = c
			}
		}
		require.NotNil(t, authCookie)

		claims, err := NewTokenIssuer("test-secret", time.Hour, false).ValidateToken(authCookie.Value)
		require.NoError(t, err)
		assert.Equal(t, "analee", claims.Username)
	})

	t.Run("exchange and fetch happen exactly once", func(t *testing.T) {
		assert.Equal(t, int64(1), ts.provider.exchanges.Load())
		assert.Equal(t, int64(1), ts.provider.fetches.Load())
	})

	t.Run("success is audited", func(t *testing.T) {
		_, total, err := ts.auditor.GetRecords(t.Context(), &audit.Filters{EventType: audit.EventTypeLoginSuccess})
		require.NoError(t, err)
		assert.Equal(t, 1, total)

		_, total, err = ts.auditor.GetRecords(t.Context(), &audit.Filters{EventType: audit.EventTypeUserCreated})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestRepeatLoginReusesUser(t *testing.T) {
	ts := newTestStack(t)

	state, cookies := ts.beginFlow(t)
	rec := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
	require.Equal(t, http.StatusOK, rec.Code, "no after-login target renders the profile view")

	first, err := ts.store.FindByFacebookID("9001")
	require.NoError(t, err)

	state2, cookies2 := ts.beginFlow(t)
	rec2 := ts.get(t, "code=good-code&state="+url.QueryEscape(state2), cookies2)
	require.Equal(t, http.StatusOK, rec2.Code)

	second, err := ts.store.FindByFacebookID("9001")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestUserDeclinesConsent(t *testing.T) {
	ts := newTestStack(t)

	_, cookies := ts.beginFlow(t)
	rec := ts.get(t, "error=access_denied&error_reason=user_denied", cookies)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")

	t.Run("provider is never contacted", func(t *testing.T) {
		assert.Equal(t, int64(0), ts.provider.exchanges.Load())
		assert.Equal(t, int64(0), ts.provider.fetches.Load())
	})

	t.Run("pending state is consumed", func(t *testing.T) {
		state, cookies := ts.beginFlow(t)
		decline := ts.get(t, "error=access_denied", cookies)
		require.Equal(t, http.StatusBadRequest, decline.Code)

		replay := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
		assert.Equal(t, http.StatusBadRequest, replay.Code)
		assert.Equal(t, int64(0), ts.provider.exchanges.Load())
	})
}

func TestStateMismatch(t *testing.T) {
	ts := newTestStack(t)

	t.Run("wrong state fails without exchange", func(t *testing.T) {
		_, cookies := ts.beginFlow(t)
		rec := ts.get(t, "code=good-code&state=forged", cookies)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, int64(0), ts.provider.exchanges.Load())
	})

	t.Run("state is single-use", func(t *testing.T) {
		state, cookies := ts.beginFlow(t)

		rec := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, int64(1), ts.provider.exchanges.Load())

		replay := ts.get(t, "code=good-code&state="+url.QueryEscape(state), mergeCookies(cookies, rec))
		assert.Equal(t, http.StatusBadRequest, replay.Code)
		assert.Equal(t, int64(1), ts.provider.exchanges.Load(), "replayed state must not exchange again")
	})

	t.Run("callback without session fails", func(t *testing.T) {
		rec := ts.get(t, "code=good-code&state=whatever", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProviderRejectsCode(t *testing.T) {
	ts := newTestStack(t)

	state, cookies := ts.beginFlow(t)
	rec := ts.get(t, "code=bad-code&state="+url.QueryEscape(state), cookies)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), ts.provider.exchanges.Load())
	assert.Equal(t, int64(0), ts.provider.fetches.Load(), "no profile fetch after a failed exchange")

	_, total, err := ts.auditor.GetRecords(t.Context(), &audit.Filters{EventType: audit.EventTypeLoginFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAccessGateBlocksLogin(t *testing.T) {
	ts := newTestStack(t)

	// First login provisions the user, then the gate is tightened.
	state, cookies := ts.beginFlow(t)
	rec := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ts.settings.Set("users.disallow_roles", `["login-facebook"]`))

	state2, cookies2 := ts.beginFlow(t)
	rec2 := ts.get(t, "code=good-code&state="+url.QueryEscape(state2), cookies2)

	assert.Equal(t, http.StatusForbidden, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "not permitted")

	t.Run("denial is audited distinctly", func(t *testing.T) {
		_, total, err := ts.auditor.GetRecords(t.Context(), &audit.Filters{EventType: audit.EventTypeLoginDenied})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestErrorRedirectTarget(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.settings.Set("flow.error_login_url", "/login-error/?src=fb"))

	_, cookies := ts.beginFlow(t)
	rec := ts.get(t, "error=access_denied", cookies)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login-error/", loc.Path)
	assert.Equal(t, ReasonUserDeniedConsent, loc.Query().Get(ErrorParam))
	assert.Equal(t, "fb", loc.Query().Get("src"), "existing query params survive")
}

func TestAuthenticatedShortCircuit(t *testing.T) {
	ts := newTestStack(t)

	state, cookies := ts.beginFlow(t)
	rec := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies = mergeCookies(cookies, rec)

	again := ts.get(t, "", cookies)
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Contains(t, again.Body.String(), "Ana Lee")
	assert.Contains(t, again.Body.String(), "first_name")

	assert.Equal(t, int64(1), ts.provider.exchanges.Load(), "short-circuit must not contact the provider")
	assert.Equal(t, int64(1), ts.provider.fetches.Load())
}

func TestMissingCredentialsIsConfigurationError(t *testing.T) {
	ts := newTestStack(t)
	require.NoError(t, ts.settings.BulkUpdate(map[string]string{
		"oauth.app_id":     "",
		"oauth.app_secret": "",
	}))

	rec := ts.get(t, "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "app credentials", "no internal detail leaks")
}

func TestAuthorizationRedirectShape(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.get(t, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "app-1", q.Get("client_id"))
	assert.Equal(t, "http://cms.example.com/login-facebook/", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "public_profile", q.Get("scope"))
}

func TestLogout(t *testing.T) {
	ts := newTestStack(t)

	state, cookies := ts.beginFlow(t)
	rec := ts.get(t, "code=good-code&state="+url.QueryEscape(state), cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies = mergeCookies(cookies, rec)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	ts.orchestrator.Logout(out, req)

	require.Equal(t, http.StatusFound, out.Code)
	for _, c := range out.Result().Cookies() {
		if c.Name == session.CookieName || c.Name == AuthCookieName {
			assert.Negative(t, c.MaxAge)
		}
	}

	again := ts.get(t, "", mergeCookies(cookies, out))
	assert.Equal(t, http.StatusFound, again.Code, "logged-out browser starts a fresh flow")
}
