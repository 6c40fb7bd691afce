// Package login drives the redirect-based flow: it decides per request
// whether to start a provider round trip, complete a callback, or
// short-circuit an already-authenticated session, and turns every failure
// into a reason-coded outcome.
package login

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loginbridge/loginbridge/internal/audit"
	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/facebook"
	"github.com/loginbridge/loginbridge/internal/metrics"
	"github.com/loginbridge/loginbridge/internal/provision"
	"github.com/loginbridge/loginbridge/internal/session"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Settings    *settings.Manager
	Sessions    *session.Tracker
	Provisioner *provision.Provisioner
	Tokens      *TokenIssuer
	Audit       *audit.Manager
	Metrics     *metrics.Collector
	Logger      *logrus.Logger

	// PublicURL is the externally visible base URL; the provider redirect
	// URI is PublicURL + the configured login path.
	PublicURL string
}

// Orchestrator is the login path's request handler.
type Orchestrator struct {
	settings    *settings.Manager
	sessions    *session.Tracker
	provisioner *provision.Provisioner
	tokens      *TokenIssuer
	auditor     *audit.Manager
	collector   *metrics.Collector
	logger      *logrus.Logger
	publicURL   string

	// Provider endpoint overrides, used by tests to point at a fake.
	authURL, tokenURL, graphURL string
}

// NewOrchestrator creates the login orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		settings:    opts.Settings,
		sessions:    opts.Sessions,
		provisioner: opts.Provisioner,
		tokens:      opts.Tokens,
		auditor:     opts.Audit,
		collector:   opts.Metrics,
		logger:      opts.Logger,
		publicURL:   strings.TrimRight(opts.PublicURL, "/"),
	}
}

// SetProviderEndpoints overrides the provider URLs.
func (o *Orchestrator) SetProviderEndpoints(authURL, tokenURL, graphURL string) {
	o.authURL, o.tokenURL, o.graphURL = authURL, tokenURL, graphURL
}

// Handle serves the login path. The same URL carries all three shapes of the
// flow: the initial visit, the provider callback, and the decline redirect.
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request) {
	cfg, err := o.settings.LoadOAuthConfig()
	if err != nil {
		o.fail(w, r, nil, nil, ReasonConfiguration, fmt.Errorf("failed to load configuration: %w", err))
		return
	}

	sess, err := o.sessions.Ensure(w, r)
	if err != nil {
		o.fail(w, r, cfg, nil, ReasonInternal, err)
		return
	}

	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		// Consume any pending state so the aborted flow leaves nothing
		// replayable. No provider call is made.
		o.sessions.VerifyAndConsume(sess, "")

		reason := q.Get("error_reason")
		if reason == "" {
			reason = providerErr
		}
		o.fail(w, r, cfg, sess, ReasonUserDeniedConsent,
			fmt.Errorf("%w: %s", ErrUserDeniedConsent, reason))
		return
	}

	if q.Get("code") != "" || q.Get("state") != "" {
		o.completeCallback(w, r, cfg, sess, q.Get("code"), q.Get("state"))
		return
	}

	if sess.Authenticated() {
		o.renderProfile(w, r, cfg, sess)
		return
	}

	o.beginFlow(w, r, cfg, sess)
}

// Logout destroys the browser session and expires the auth cookie.
func (o *Orchestrator) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(session.CookieName); err == nil {
		if sess := o.sessions.Get(c.Value); sess != nil {
			o.audited(r, &audit.Event{
				UserID:    sess.UserID,
				EventType: audit.EventTypeLogout,
				Action:    audit.ActionLogout,
				Status:    audit.StatusSuccess,
			})
		}
		o.sessions.Destroy(w, c.Value)
	}
	o.tokens.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// beginFlow issues a fresh state token and redirects to the provider.
func (o *Orchestrator) beginFlow(w http.ResponseWriter, r *http.Request, cfg *settings.OAuthConfig, sess *session.Session) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		o.fail(w, r, cfg, sess, ReasonConfiguration,
			errors.New("app credentials not configured"))
		return
	}

	state, err := o.sessions.BeginFlow(sess)
	if err != nil {
		o.fail(w, r, cfg, sess, ReasonInternal, err)
		return
	}

	authorizeURL := o.client(cfg).AuthorizationURL(state, cfg.RequestPermissions)

	o.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"scopes":     cfg.RequestPermissions,
	}).Debug("Redirecting to provider")

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// completeCallback verifies the state, performs the exchange and profile
// fetch (exactly once each), resolves the local user, and establishes the
// host session.
func (o *Orchestrator) completeCallback(w http.ResponseWriter, r *http.Request, cfg *settings.OAuthConfig, sess *session.Session, code, state string) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		o.fail(w, r, cfg, sess, ReasonConfiguration,
			errors.New("app credentials not configured"))
		return
	}

	if !o.sessions.VerifyAndConsume(sess, state) {
		o.fail(w, r, cfg, sess, ReasonStateMismatch, ErrStateMismatch)
		return
	}
	if code == "" {
		o.fail(w, r, cfg, sess, ReasonStateMismatch,
			fmt.Errorf("%w: callback without code", ErrStateMismatch))
		return
	}

	client := o.client(cfg)
	ctx := r.Context()

	start := time.Now()
	accessToken, err := client.ExchangeCode(ctx, code)
	o.collector.ObserveProvider(metrics.OpExchangeCode, time.Since(start))
	if err != nil {
		o.fail(w, r, cfg, sess, reasonFor(err), err)
		return
	}

	start = time.Now()
	profile, err := client.FetchProfile(ctx, accessToken, cfg.RequestFields)
	o.collector.ObserveProvider(metrics.OpFetchProfile, time.Since(start))
	if err != nil {
		o.fail(w, r, cfg, sess, reasonFor(err), err)
		return
	}

	user, err := o.provisioner.ResolveUser(cfg, profile)
	if err != nil {
		o.fail(w, r, cfg, sess, reasonFor(err), err)
		return
	}

	sess.AccessToken = accessToken
	sess.Profile = profile
	sess.UserID = user.ID
	o.sessions.Save(sess)

	if _, err := o.tokens.Issue(w, user); err != nil {
		o.fail(w, r, cfg, sess, ReasonInternal, err)
		return
	}

	o.collector.ObserveLogin(metrics.OutcomeSuccess, "")
	o.audited(r, &audit.Event{
		UserID:     user.ID,
		Username:   user.Username,
		FacebookID: profile.ID,
		EventType:  audit.EventTypeLoginSuccess,
		Action:     audit.ActionLogin,
		Status:     audit.StatusSuccess,
	})

	o.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("Login completed")

	if cfg.AfterLoginURL != "" {
		http.Redirect(w, r, cfg.AfterLoginURL, http.StatusFound)
		return
	}
	o.renderProfile(w, r, cfg, sess)
}

// renderProfile serves the read-only view of the session's profile without
// contacting the provider.
func (o *Orchestrator) renderProfile(w http.ResponseWriter, r *http.Request, cfg *settings.OAuthConfig, sess *session.Session) {
	user, err := o.userFor(sess)
	if err != nil {
		o.logger.WithError(err).Warn("Session references unknown user")
		o.sessions.Destroy(w, sess.ID)
		o.tokens.Clear(w)
		http.Redirect(w, r, cfg.LoginPath(), http.StatusFound)
		return
	}
	renderSuccess(w, user, sess.Profile)
}

func (o *Orchestrator) userFor(sess *session.Session) (*directory.User, error) {
	return o.provisioner.Store().GetUser(sess.UserID)
}

// fail turns an error into a reason-coded failed outcome: it logs, counts,
// audits, and renders either the configured error redirect or the inline
// error view.
func (o *Orchestrator) fail(w http.ResponseWriter, r *http.Request, cfg *settings.OAuthConfig, sess *session.Session, reason string, err error) {
	entry := o.logger.WithError(err).WithField("reason", reason)
	switch reason {
	case ReasonConfiguration, ReasonInternal:
		entry.Error("Login failed")
	default:
		entry.Warn("Login failed")
	}

	o.collector.ObserveLogin(metrics.OutcomeFailed, reason)

	eventType := audit.EventTypeLoginFailed
	if reason == ReasonAccessDenied {
		eventType = audit.EventTypeLoginDenied
	}
	event := &audit.Event{
		EventType: eventType,
		Action:    audit.ActionLogin,
		Status:    audit.StatusFailed,
		Reason:    reason,
	}
	if sess != nil {
		event.UserID = sess.UserID
	}
	o.audited(r, event)

	if cfg != nil && cfg.ErrorLoginURL != "" {
		http.Redirect(w, r, appendReason(cfg.ErrorLoginURL, reason), http.StatusFound)
		return
	}
	renderError(w, reason)
}

func (o *Orchestrator) audited(r *http.Request, event *audit.Event) {
	event.IPAddress = clientIP(r)
	event.UserAgent = r.UserAgent()
	if err := o.auditor.LogEvent(r.Context(), event); err != nil {
		o.logger.WithError(err).Warn("Audit write failed")
	}
}

// client builds the per-request provider client from the configuration
// snapshot.
func (o *Orchestrator) client(cfg *settings.OAuthConfig) *facebook.Client {
	return facebook.NewClient(facebook.Config{
		AppID:       cfg.AppID,
		AppSecret:   cfg.AppSecret,
		RedirectURI: o.publicURL + cfg.LoginPath(),
		Scopes:      cfg.RequestPermissions,
		AuthURL:     o.authURL,
		TokenURL:    o.tokenURL,
		GraphURL:    o.graphURL,
	})
}

// reasonFor maps a flow error onto its reason code.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, facebook.ErrProviderRejectedCode):
		return ReasonProviderRejectedCode
	case errors.Is(err, facebook.ErrProviderRejectedToken):
		return ReasonProviderRejectedToken
	case errors.Is(err, facebook.ErrNetwork):
		return ReasonNetwork
	case errors.Is(err, facebook.ErrMalformedResponse):
		return ReasonMalformedResponse
	case errors.Is(err, provision.ErrAccessDenied):
		return ReasonAccessDenied
	case errors.Is(err, provision.ErrConfiguration):
		return ReasonConfiguration
	default:
		return ReasonInternal
	}
}

// appendReason adds the reason code to the error redirect target,
// preserving any existing query.
func appendReason(target, reason string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(ErrorParam, reason)
	u.RawQuery = q.Encode()
	return u.String()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
