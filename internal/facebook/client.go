// Package facebook implements the OAuth2 authorization-code exchange and
// profile fetch against the Facebook Graph API.
package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthfb "golang.org/x/oauth2/facebook"
)

const defaultGraphURL = "https://graph.facebook.com/v12.0"

// Client performs the three provider operations of the login flow:
// authorization URL construction, code exchange, and profile fetch.
// Both network calls block and honor the request context; retry policy,
// if any, belongs to the caller.
type Client struct {
	cfg   Config
	oauth *oauth2.Config
	http  *http.Client
}

// NewClient creates a Graph API client. Missing endpoint URLs fall back to
// the public Facebook endpoints.
func NewClient(cfg Config) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = oauthfb.Endpoint.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = oauthfb.Endpoint.TokenURL
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = defaultGraphURL
	}

	return &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizationURL builds the provider authorization URL carrying the
// client id, redirect URI, scope list and the opaque anti-forgery state
// token. Pure URL construction, never fails.
func (c *Client) AuthorizationURL(state string, scopes []string) string {
	conf := *c.oauth
	if len(scopes) > 0 {
		conf.Scopes = scopes
	}
	return conf.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for an access token via a
// server-to-server request to the token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		switch {
		case errors.As(err, &retrieveErr):
			return "", fmt.Errorf("%w: %s", ErrProviderRejectedCode, retrieveErr.ErrorCode)
		case isTransportError(err):
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		default:
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}

	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in token response", ErrMalformedResponse)
	}

	return token.AccessToken, nil
}

// graphError is the Graph API error envelope.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// FetchProfile requests exactly the configured field list from the profile
// endpoint using the bearer access token. The "id" field is always
// requested; a response without it is malformed.
func (c *Client) FetchProfile(ctx context.Context, accessToken string, fields []string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/me?fields=%s", c.cfg.GraphURL, url.QueryEscape(joinFields(fields)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		if err := json.NewDecoder(resp.Body).Decode(&ge); err != nil || ge.Error.Message == "" {
			return nil, fmt.Errorf("%w: profile request failed with status %d", ErrMalformedResponse, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s (code %d)", ErrProviderRejectedToken, ge.Error.Message, ge.Error.Code)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: profile response missing id", ErrMalformedResponse)
	}

	profile := &Profile{
		ID:     id,
		Fields: make(map[string]string, len(raw)),
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			profile.Fields[k] = val
		default:
			profile.Fields[k] = fmt.Sprintf("%v", val)
		}
	}
	profile.FirstName = profile.Fields["first_name"]
	profile.LastName = profile.Fields["last_name"]

	return profile, nil
}

// joinFields joins the requested field list with commas, the Graph API
// convention, prepending "id" when absent.
func joinFields(fields []string) string {
	hasID := false
	for _, f := range fields {
		if f == "id" {
			hasID = true
			break
		}
	}
	if !hasID {
		fields = append([]string{"id"}, fields...)
	}
	return strings.Join(fields, ",")
}

// isTransportError reports whether err originated below HTTP: connection
// failures, timeouts, cancelled contexts.
func isTransportError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
