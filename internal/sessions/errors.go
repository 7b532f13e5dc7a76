package sessions

import (
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrSessionNotFound = fmt.Errorf("%w: session not found", oauth.ErrUnauthenticated)
	ErrSessionExpired  = fmt.Errorf("%w: session expired", oauth.ErrUnauthenticated)
)
