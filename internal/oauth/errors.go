package oauth

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Component errors wrap one of these.
var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidClient           = errors.New("invalid client")
	ErrInvalidRedirect         = errors.New("invalid redirect uri")
	ErrInvalidGrant            = errors.New("invalid grant")
	ErrInvalidScope            = errors.New("invalid scope")
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrAccessDenied            = errors.New("access denied")
	ErrRateLimited             = errors.New("rate limited")
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrUnsupportedResponseType = errors.New("unsupported response type")
	ErrUnsupportedGrantType    = errors.New("unsupported grant type")
)

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.cause)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.cause}
}

// Unavailable marks err as a transient storage failure. nil stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

type errorInfo struct {
	code        string
	description string
}

// ordered from most to least specific; the first match wins
var errorTable = []struct {
	err  error
	info errorInfo
}{
	{ErrInvalidRequest, errorInfo{"invalid_request", "The request is missing a required parameter or is malformed."}},
	{ErrInvalidClient, errorInfo{"invalid_client", "Client authentication failed."}},
	{ErrInvalidGrant, errorInfo{"invalid_grant", "The provided authorization grant is invalid, expired, or revoked."}},
	{ErrInvalidRedirect, errorInfo{"invalid_request", "The redirect_uri is not registered for this client."}},
	{ErrInvalidScope, errorInfo{"invalid_scope", "The requested scope is invalid or exceeds the allowed scope."}},
	{ErrUnauthenticated, errorInfo{"login_required", "The user must authenticate first."}},
	{ErrAccessDenied, errorInfo{"access_denied", "The resource owner denied the request."}},
	{ErrRateLimited, errorInfo{"slow_down", "Too many failed attempts, try again later."}},
	{ErrUnsupportedResponseType, errorInfo{"unsupported_response_type", "Only the 'code' response type is supported."}},
	{ErrUnsupportedGrantType, errorInfo{"unsupported_grant_type", "The grant type is not supported."}},
	{ErrStorageUnavailable, errorInfo{"temporarily_unavailable", "The server is temporarily unable to handle the request."}},
}

func lookup(err error) errorInfo {
	for _, entry := range errorTable {
		if errors.Is(err, entry.err) {
			return entry.info
		}
	}
	return errorInfo{"server_error", "The server encountered an unexpected condition."}
}

// ErrorCode returns the RFC 6749 error string for err.
func ErrorCode(err error) string {
	return lookup(err).code
}

// Describe returns a client-safe description that never carries internal detail.
func Describe(err error) string {
	return lookup(err).description
}
