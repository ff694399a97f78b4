package errors

import (
	"errors"
	"fmt"
)

// OAuth2Error represents a standardized OAuth 2.0 error
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithState returns a copy of the error carrying the client's state
// parameter, so redirect-delivered errors can echo it back.
func (e *OAuth2Error) WithState(state string) *OAuth2Error {
	clone := *e
	clone.State = state
	return &clone
}

// Standard OAuth2 error codes
const (
	InvalidRequest          = "invalid_request"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	UnsupportedGrantType    = "unsupported_grant_type"
	UnsupportedResponseType = "unsupported_response_type"
	InvalidScope            = "invalid_scope"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"

	// LoginRequired is the OIDC error for authentication that is absent
	// or older than the requested max_age.
	LoginRequired = "login_required"
)

// Grant store outcomes. ErrCodeReplayed is the security-critical one: the
// same code was presented a second time.
var (
	ErrCodeNotFound  = errors.New("authorization code not found")
	ErrCodeExpired   = errors.New("authorization code expired")
	ErrCodeReplayed  = errors.New("authorization code already consumed")
	ErrGrantNotFound = errors.New("refresh grant not found")
	ErrGrantExpired  = errors.New("refresh grant expired")
)

// Interaction outcomes.
var (
	ErrInteractionNotFound = errors.New("interaction not found")
	ErrInteractionExpired  = errors.New("interaction expired")
	ErrInvalidState        = errors.New("interaction is not in a state accepting this submission")
)

// SecurityViolation marks a failure that is an invalid_grant toward the
// caller but should trigger heightened audit outside the core: code replay,
// redirect binding mismatch, PKCE verification failure.
type SecurityViolation struct {
	Kind string // "code_replay", "redirect_mismatch", "pkce_failure"
	Err  *OAuth2Error
}

func (v *SecurityViolation) Error() string { return v.Err.Error() }

func (v *SecurityViolation) Unwrap() error { return v.Err }

// NewSecurityViolation wraps a wire error with its audit classification.
func NewSecurityViolation(kind string, wire *OAuth2Error) *SecurityViolation {
	return &SecurityViolation{Kind: kind, Err: wire}
}

// TransientError marks a store failure the caller may retry.
type TransientError struct {
	Err error
}

func (t *TransientError) Error() string { return fmt.Sprintf("transient: %v", t.Err) }

func (t *TransientError) Unwrap() error { return t.Err }

// FatalConfigError aborts startup: no signing key, no clients, malformed
// configuration. Never retried.
type FatalConfigError struct {
	Reason string
}

func (f *FatalConfigError) Error() string { return "fatal configuration error: " + f.Reason }

func NewFatalConfig(format string, args ...any) *FatalConfigError {
	return &FatalConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Common error constructors
func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRequest,
		Description: description,
	}
}

func NewInvalidClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidClient,
		Description: description,
	}
}

func NewInvalidGrant(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidGrant,
		Description: description,
	}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        ServerError,
		Description: description,
	}
}

func NewAccessDenied(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        AccessDenied,
		Description: description,
	}
}

func NewLoginRequired(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        LoginRequired,
		Description: description,
	}
}

func NewUnsupportedResponseType(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnsupportedResponseType,
		Description: description,
	}
}

// PKCE specific errors
func NewPKCERequired() *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRequest,
		Description: "PKCE is required for this client",
	}
}

func NewInvalidPKCE(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidGrant,
		Description: fmt.Sprintf("PKCE validation failed: %s", description),
	}
}

func NewInvalidScope(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidScope,
		Description: description,
	}
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnauthorizedClient,
		Description: description,
	}
}

func NewUnsupportedGrantType() *OAuth2Error {
	return &OAuth2Error{
		Code:        UnsupportedGrantType,
		Description: "The authorization grant type is not supported",
	}
}
