package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 8

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{2,32}$`)

type CreateUserOptions struct {
	Username  string
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// CredentialStore owns user identities and password verification.
type CredentialStore struct {
	db         *gorm.DB
	userRepo   UserRepository
	auditor    *audit.Auditor
	bcryptCost int
	dummyHash  []byte
}

func (s *CredentialStore) validate(opts *CreateUserOptions) error {
	opts.Username = strings.TrimSpace(opts.Username)
	opts.Email = strings.ToLower(strings.TrimSpace(opts.Email))
	if !usernameRegex.MatchString(opts.Username) {
		return ErrInvalidUsername
	}
	addr, err := mail.ParseAddress(opts.Email)
	if err != nil || addr.Address != opts.Email {
		return ErrInvalidEmail
	}
	if len(opts.Password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

func (s *CredentialStore) checkUserExist(ctx context.Context, repo UserRepository, username, email string) error {
	existing, err := repo.First(ctx, "username = ? OR email = ?", username, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return oauth.Unavailable(err)
	}
	if existing.Username == username {
		return ErrUsernameTaken
	}
	return ErrEmailRegistered
}

func (s *CredentialStore) CreateUser(ctx context.Context, opts CreateUserOptions) (*model.User, error) {
	const op = "users.CreateUser"
	if err := s.validate(&opts); err != nil {
		return nil, err
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user := model.User{
		Username:     opts.Username,
		Email:        opts.Email,
		PasswordHash: string(passwordHash),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.userRepo.WithTx(tx)
		if err := s.checkUserExist(ctx, repo, opts.Username, opts.Email); err != nil {
			return err
		}
		if err := repo.Create(ctx, &user); err != nil {
			if database.IsDuplicateKey(err) {
				return ErrDuplicateIdentity
			}
			return oauth.Unavailable(err)
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionUserCreated,
			UserID:       user.ID,
			Actor:        audit.UserActor(user.ID),
			ResourceType: audit.ResourceUser,
			ResourceID:   strconv.FormatUint(uint64(user.ID), 10),
			Changes:      map[string]any{"username": user.Username},
			IP:           opts.IP,
			UserAgent:    opts.UserAgent,
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *CredentialStore) findByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if _, err := mail.ParseAddress(identifier); err == nil {
		return s.userRepo.First(ctx, "email = ?", strings.ToLower(identifier))
	}
	return s.userRepo.First(ctx, "username = ?", identifier)
}

// VerifyPassword returns ErrInvalidCredentials for unknown, disabled and
// wrong-password cases alike, and spends one bcrypt comparison on each path.
func (s *CredentialStore) VerifyPassword(ctx context.Context, identifier, password string) (*model.User, error) {
	user, err := s.findByIdentifier(ctx, identifier)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.Unavailable(err)
	}
	if user == nil {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *CredentialStore) GetUserByID(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.userRepo.First(ctx, "id = ?", userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	return user, nil
}

// RequireActive fails unless the user exists and is not disabled. tx may be nil.
func (s *CredentialStore) RequireActive(ctx context.Context, tx *gorm.DB, userID uint) (*model.User, error) {
	repo := s.userRepo
	if tx != nil {
		repo = repo.WithTx(tx)
	}
	user, err := repo.First(ctx, "id = ?", userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}
	return user, nil
}

// Disable soft-disables a user. Dependent sessions and tokens are the caller's concern.
func (s *CredentialStore) Disable(ctx context.Context, userID uint, actor audit.Actor) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		affected, err := s.userRepo.WithTx(tx).Updates(ctx, map[string]any{"disabled": true}, "id = ? AND disabled = ?", userID, false)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if affected == 0 {
			if _, err := s.RequireActive(ctx, tx, userID); errors.Is(err, ErrUserNotFound) {
				return err
			}
			return nil
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionUserDisabled,
			UserID:       userID,
			Actor:        actor,
			ResourceType: audit.ResourceUser,
			ResourceID:   strconv.FormatUint(uint64(userID), 10),
			Changes:      map[string]any{"disabled": true},
		})
	})
}

func NewCredentialStore(db *gorm.DB, userRepo UserRepository, auditor *audit.Auditor, bcryptCost int) *CredentialStore {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return &CredentialStore{
		db:         db,
		userRepo:   userRepo,
		auditor:    auditor,
		bcryptCost: bcryptCost,
		dummyHash:  dummyHash,
	}
}
