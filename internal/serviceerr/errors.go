// Package serviceerr defines the error kinds surfaced by the session service.
// Every recoverable failure in the login, validation, and logout paths maps to
// one of these codes so callers branch on a named kind instead of a free-form
// error string.
package serviceerr

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable error kind, loosely following the RFC 6749
// error registry where one applies.
type Code string

const (
	CodeUnknown        Code = "unknown"
	CodeInvalidRequest Code = "invalid_request"
	CodeUnauthorized   Code = "unauthorized"
	CodeAccessDenied   Code = "access_denied"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"

	CodeNoSession       Code = "no_session"
	CodeSessionExpired  Code = "session_expired"
	CodeLoginFailed     Code = "login_failed"
	CodeNoRefreshToken  Code = "no_refresh_token"
	CodeInvalidClaims   Code = "invalid_claims"
	CodeInvalidProvider Code = "invalid_provider"
)

// Error carries an error code together with a human-readable description.
type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Err, e.Description)
}

// Is makes errors.Is match two *Error values by code, so wrapped service
// errors compare against the predefined ones below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Err == t.Err
}

// HTTPStatus maps the error code to the status the HTTP layer responds with.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodeNoRefreshToken, CodeInvalidClaims:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeNoSession, CodeSessionExpired, CodeLoginFailed:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrUnknown        = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrInvalidRequest = &Error{Err: CodeInvalidRequest}
	ErrUnauthorized   = &Error{Err: CodeUnauthorized, Description: "unauthorized"}
	ErrNotFound       = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict       = &Error{Err: CodeConflict, Description: "already exists"}

	// ErrNoSession is returned when a request carries no usable session
	// reference: no cookie, a tampered cookie, or a hash the store does not
	// know.
	ErrNoSession = &Error{Err: CodeNoSession, Description: "no session"}

	// ErrSessionExpired is returned when a stored session is confirmed dead:
	// its refresh expiry has passed or the identity provider rejected its
	// refresh token. The store row is deleted before this is returned.
	ErrSessionExpired = &Error{Err: CodeSessionExpired, Description: "session expired"}

	// ErrLoginFailed covers every token-exchange failure during the callback.
	ErrLoginFailed = &Error{Err: CodeLoginFailed, Description: "login failed"}

	// ErrNoRefreshToken is returned when the identity provider issues a token
	// set without a refresh token. Silent renewal is required, so such a
	// login is rejected.
	ErrNoRefreshToken = &Error{Err: CodeNoRefreshToken, Description: "token response carries no refresh token"}

	// ErrInvalidClaims is returned when the userinfo payload is missing a
	// required claim.
	ErrInvalidClaims = &Error{Err: CodeInvalidClaims, Description: "claims payload is missing required fields"}

	// ErrInvalidProvider is returned when the discovery document does not
	// describe a usable OIDC provider.
	ErrInvalidProvider = &Error{Err: CodeInvalidProvider, Description: "invalid oidc provider metadata"}
)
