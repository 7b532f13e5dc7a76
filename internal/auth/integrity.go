package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/users"
	"gorm.io/gorm"
)

// integrityChecker rejects writes and reads that reference a missing or
// inactive client or user, since storage does not enforce foreign keys.
type integrityChecker struct {
	clients *clients.ClientRegistry
	users   *users.CredentialStore
}

func (c *integrityChecker) CheckGrant(ctx context.Context, tx *gorm.DB, clientID string, userID uint) error {
	if _, err := c.clients.RequireActive(ctx, tx, clientID); err != nil {
		return err
	}
	if _, err := c.users.RequireActive(ctx, tx, userID); err != nil {
		if errors.Is(err, oauth.ErrStorageUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInactiveUser, err)
	}
	return nil
}
