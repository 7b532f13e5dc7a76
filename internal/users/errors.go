package users

import (
	"errors"
	"fmt"

	"github.com/khanghh/oauthd/internal/oauth"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserDisabled       = errors.New("user disabled")
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", oauth.ErrAccessDenied)
	ErrDuplicateIdentity  = errors.New("duplicate identity")
	ErrUsernameTaken      = fmt.Errorf("%w: username taken", ErrDuplicateIdentity)
	ErrEmailRegistered    = fmt.Errorf("%w: email already registered", ErrDuplicateIdentity)
	ErrInvalidUsername    = errors.New("username must be 2-32 letters, digits, '.', '_' or '-'")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrPasswordTooShort   = errors.New("password too short")
)
