package login

import "errors"

// Flow errors raised before the provider is contacted.
var (
	ErrUserDeniedConsent = errors.New("user denied consent at the provider")
	ErrStateMismatch     = errors.New("state token missing or mismatched")
)

// Reason codes attached to failed outcomes. They appear in logs, metrics
// labels, the audit trail, and the error redirect query parameter.
const (
	ReasonUserDeniedConsent     = "user_denied_consent"
	ReasonStateMismatch         = "state_mismatch"
	ReasonProviderRejectedCode  = "provider_rejected_code"
	ReasonProviderRejectedToken = "provider_rejected_token"
	ReasonNetwork               = "network_error"
	ReasonMalformedResponse     = "malformed_response"
	ReasonAccessDenied          = "access_denied"
	ReasonConfiguration         = "configuration_error"
	ReasonInternal              = "internal_error"
)

// ErrorParam is the query parameter carrying the reason code on the error
// redirect target.
const ErrorParam = "login_error"
