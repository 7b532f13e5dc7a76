package tokens

import (
	"errors"
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrTokenNotFound     = fmt.Errorf("%w: token not found", oauth.ErrInvalidGrant)
	ErrTokenExpired      = fmt.Errorf("%w: token expired", oauth.ErrInvalidGrant)
	ErrTokenRevoked      = fmt.Errorf("%w: token revoked", oauth.ErrInvalidGrant)
	ErrRefreshInvalid    = fmt.Errorf("%w: refresh token invalid", oauth.ErrInvalidGrant)
	ErrRefreshExpired    = fmt.Errorf("%w: refresh token expired", oauth.ErrInvalidGrant)
	ErrRefreshReused     = fmt.Errorf("%w: already rotated", ErrRefreshInvalid)
	ErrClientMismatch    = fmt.Errorf("%w: client mismatch", oauth.ErrInvalidGrant)
	ErrMalformedToken    = fmt.Errorf("%w: malformed token", oauth.ErrInvalidGrant)
	ErrUnsupportedFormat = errors.New("unsupported access token format")
)
