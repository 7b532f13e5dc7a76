package codes

import (
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrCodeInvalid      = fmt.Errorf("%w: authorization code invalid", oauth.ErrInvalidGrant)
	ErrCodeExpired      = fmt.Errorf("%w: authorization code expired", oauth.ErrInvalidGrant)
	ErrCodeReused       = fmt.Errorf("%w: already redeemed", ErrCodeInvalid)
	ErrClientMismatch   = fmt.Errorf("%w: client mismatch", oauth.ErrInvalidGrant)
	ErrRedirectMismatch = fmt.Errorf("%w: %w: redirect uri mismatch", oauth.ErrInvalidGrant, oauth.ErrInvalidRedirect)
)
