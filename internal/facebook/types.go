package facebook

import "errors"

// Errors returned by the Graph API client. Callers decide retry and
// rendering policy; the client never retries on its own.
var (
	ErrNetwork               = errors.New("facebook: network error")
	ErrMalformedResponse     = errors.New("facebook: malformed provider response")
	ErrProviderRejectedCode  = errors.New("facebook: provider rejected authorization code")
	ErrProviderRejectedToken = errors.New("facebook: provider rejected access token")
)

// Config holds the OAuth application settings for the Graph API client.
// AuthURL, TokenURL and GraphURL default to the public Facebook endpoints
// and are overridable for tests.
type Config struct {
	AppID       string
	AppSecret   string
	RedirectURI string
	Scopes      []string

	AuthURL  string
	TokenURL string
	GraphURL string
}

// Profile is the provider's answer to a profile query: the stable account
// id plus the requested fields keyed by name. It lives for the duration of
// one provisioning call.
type Profile struct {
	ID        string
	FirstName string
	LastName  string
	Fields    map[string]string
}

// Field returns the named requested field, or "" when the provider did not
// send it.
func (p *Profile) Field(name string) string {
	if p.Fields == nil {
		return ""
	}
	return p.Fields[name]
}
