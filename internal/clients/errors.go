package clients

import (
	"errors"
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrClientNotFound      = fmt.Errorf("%w: client not found", oauth.ErrInvalidClient)
	ErrClientInactive      = fmt.Errorf("%w: client deactivated", oauth.ErrInvalidClient)
	ErrClientCredentials   = fmt.Errorf("%w: invalid client credentials", oauth.ErrInvalidClient)
	ErrRedirectNotAllowed  = fmt.Errorf("%w: redirect uri not registered", oauth.ErrInvalidRedirect)
	ErrClientNameEmpty     = errors.New("client name cannot be empty")
	ErrNoRedirectURIs      = errors.New("at least one redirect uri is required")
	ErrMalformedRedirect   = errors.New("redirect uri must be an absolute http(s) url without fragment or wildcard")
	ErrOwnerNotEligible    = errors.New("client owner does not exist or is disabled")
	ErrClientAlreadyExists = errors.New("client already exists")
)
