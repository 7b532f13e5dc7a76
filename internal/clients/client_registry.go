package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/common"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/model"
	"github.com/khanghh/oauthd/params"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// OwnerChecker confirms a user may own clients.
type OwnerChecker interface {
	RequireActive(ctx context.Context, tx *gorm.DB, userID uint) (*model.User, error)
}

type RegisterOptions struct {
	OwnerID      uint
	Name         string
	Description  string
	RedirectURIs []string
	Scope        string
	IP           string
	UserAgent    string
}

type ClientRegistry struct {
	db         *gorm.DB
	clientRepo ClientRepository
	owners     OwnerChecker
	auditor    *audit.Auditor
	bcryptCost int
	dummyHash  []byte
}

func validateRedirectURI(raw string) error {
	if strings.Contains(raw, "*") {
		return ErrMalformedRedirect
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || u.Fragment != "" {
		return ErrMalformedRedirect
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrMalformedRedirect
	}
	return nil
}

func (r *ClientRegistry) Register(ctx context.Context, opts RegisterOptions) (*model.OAuthClient, string, error) {
	const op = "clients.Register"
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return nil, "", ErrClientNameEmpty
	}
	if len(opts.RedirectURIs) == 0 {
		return nil, "", ErrNoRedirectURIs
	}
	redirectURIs := make([]string, 0, len(opts.RedirectURIs))
	for _, uri := range opts.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
		if !containsString(redirectURIs, uri) {
			redirectURIs = append(redirectURIs, uri)
		}
	}
	scopes, err := oauth.ParseScope(opts.Scope)
	if err != nil {
		return nil, "", err
	}

	secret, err := common.GenerateSecret(params.ClientSecretLength)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	client := model.OAuthClient{
		ClientID:     uuid.NewString(),
		SecretHash:   string(secretHash),
		Name:         opts.Name,
		Description:  opts.Description,
		RedirectURIs: redirectURIs,
		Scopes:       scopes,
		OwnerID:      opts.OwnerID,
		Active:       true,
	}
	err = r.db.Transaction(func(tx *gorm.DB) error {
		if _, err := r.owners.RequireActive(ctx, tx, opts.OwnerID); err != nil {
			if errors.Is(err, oauth.ErrStorageUnavailable) {
				return err
			}
			return ErrOwnerNotEligible
		}
		if err := r.clientRepo.WithTx(tx).Create(ctx, &client); err != nil {
			if database.IsDuplicateKey(err) {
				return ErrClientAlreadyExists
			}
			return oauth.Unavailable(err)
		}
		return r.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionClientRegistered,
			UserID:       opts.OwnerID,
			Actor:        audit.UserActor(opts.OwnerID),
			ResourceType: audit.ResourceClient,
			ResourceID:   client.ClientID,
			Changes: map[string]any{
				"name":          client.Name,
				"redirect_uris": strings.Join(redirectURIs, " "),
				"scope":         strings.Join(scopes, " "),
			},
			IP:        opts.IP,
			UserAgent: opts.UserAgent,
		})
	})
	if err != nil {
		return nil, "", err
	}
	return &client, secret, nil
}

func (r *ClientRegistry) lookup(ctx context.Context, repo ClientRepository, clientID string) (*model.OAuthClient, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	client, err := repo.First(ctx, "client_id = ?", clientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	return client, nil
}

// Lookup returns the client regardless of its active flag.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*model.OAuthClient, error) {
	return r.lookup(ctx, r.clientRepo.WithTx(database.Primary(r.db)), clientID)
}

// RequireActive fails with ErrClientInactive for deactivated clients. tx may be nil.
func (r *ClientRegistry) RequireActive(ctx context.Context, tx *gorm.DB, clientID string) (*model.OAuthClient, error) {
	repo := r.clientRepo.WithTx(database.Primary(r.db))
	if tx != nil {
		repo = r.clientRepo.WithTx(tx)
	}
	client, err := r.lookup(ctx, repo, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, ErrClientInactive
	}
	return client, nil
}

// Authenticate checks the client secret in constant time and requires the client to be active.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*model.OAuthClient, error) {
	client, err := r.Lookup(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		return nil, ErrClientCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil, ErrClientCredentials
	}
	if !client.Active {
		return nil, ErrClientInactive
	}
	return client, nil
}

func (r *ClientRegistry) VerifySecret(ctx context.Context, clientID, secret string) bool {
	_, err := r.Authenticate(ctx, clientID, secret)
	return err == nil
}

// ValidateRedirectURI requires an exact match against the registered set.
func (r *ClientRegistry) ValidateRedirectURI(client *model.OAuthClient, redirectURI string) error {
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return ErrRedirectNotAllowed
	}
	return nil
}

func (r *ClientRegistry) ListByOwner(ctx context.Context, ownerID uint) ([]model.OAuthClient, error) {
	clients, err := r.clientRepo.Find(ctx, "owner_id = ?", ownerID)
	return clients, oauth.Unavailable(err)
}

// Deactivate flips the client to inactive. It reports whether this call made the change.
func (r *ClientRegistry) Deactivate(ctx context.Context, clientID string, actor audit.Actor) (bool, error) {
	var changed bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		repo := r.clientRepo.WithTx(tx)
		client, err := r.lookup(ctx, repo, clientID)
		if err != nil {
			return err
		}
		affected, err := repo.Updates(ctx, map[string]any{"active": false}, "client_id = ? AND active = ?", clientID, true)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if affected == 0 {
			return nil
		}
		changed = true
		return r.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionClientDeactivated,
			UserID:       client.OwnerID,
			Actor:        actor,
			ResourceType: audit.ResourceClient,
			ResourceID:   clientID,
			Changes:      map[string]any{"active": false},
		})
	})
	return changed, err
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func NewClientRegistry(db *gorm.DB, clientRepo ClientRepository, owners OwnerChecker, auditor *audit.Auditor, bcryptCost int) *ClientRegistry {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("dummy-client-secret"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return &ClientRegistry{
		db:         db,
		clientRepo: clientRepo,
		owners:     owners,
		auditor:    auditor,
		bcryptCost: bcryptCost,
		dummyHash:  dummyHash,
	}
}
