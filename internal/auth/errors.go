package auth

import (
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrAttemptNotFound     = fmt.Errorf("%w: authorization request not found", oauth.ErrInvalidRequest)
	ErrAttemptExpired      = fmt.Errorf("%w: authorization request expired", oauth.ErrInvalidRequest)
	ErrAttemptStateChanged = fmt.Errorf("%w: authorization request already handled", oauth.ErrInvalidRequest)
	ErrInactiveUser        = fmt.Errorf("%w: resource owner missing or disabled", oauth.ErrInvalidGrant)
	ErrSessionUserMismatch = fmt.Errorf("%w: session does not belong to the authorizing user", oauth.ErrUnauthenticated)
	ErrNotClientOwner      = fmt.Errorf("%w: not the client owner", oauth.ErrAccessDenied)
	ErrMissingParameter    = fmt.Errorf("%w: missing required parameter", oauth.ErrInvalidRequest)
	ErrParameterTooLong    = fmt.Errorf("%w: parameter too long", oauth.ErrInvalidRequest)
)
