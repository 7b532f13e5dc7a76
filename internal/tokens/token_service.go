package tokens

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/common"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/model"
	"github.com/khanghh/oauthd/params"
	"gorm.io/gorm"
)

// IntegrityChecker rejects references to missing or inactive clients and users.
type IntegrityChecker interface {
	CheckGrant(ctx context.Context, tx *gorm.DB, clientID string, userID uint) error
}

type Config struct {
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	RotateRefreshTokens bool
	Format              string
	Issuer              string
}

type IssueRequest struct {
	FamilyID string // empty starts a new family
	ParentID uint   // refresh token this pair replaces
	ClientID string
	UserID   uint
	Scope    string
}

type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Scope        string
	FamilyID     string
}

// TokenInfo is what a valid access token grants.
type TokenInfo struct {
	ClientID  string
	UserID    uint
	Scope     string
	FamilyID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type refreshFailure struct {
	token *model.RefreshToken
	err   error
}

var errAbortRefresh = errors.New("abort refresh")

type TokenService struct {
	db          *gorm.DB
	accessRepo  AccessTokenRepository
	refreshRepo RefreshTokenRepository
	integrity   IntegrityChecker
	auditor     *audit.Auditor
	minter      tokenMinter
	masterKey   string
	config      Config
	now         func() time.Time
}

func (s *TokenService) hash(token string) string {
	return common.HashToken(s.masterKey, token)
}

func (s *TokenService) createAccessToken(ctx context.Context, tx *gorm.DB, familyID string, req IssueRequest, now time.Time) (string, *model.AccessToken, error) {
	expiresAt := now.Add(s.config.AccessTokenTTL)
	value, err := s.minter.mint(req.ClientID, req.UserID, req.Scope, now, expiresAt)
	if err != nil {
		return "", nil, err
	}
	token := model.AccessToken{
		TokenHash: s.hash(value),
		FamilyID:  familyID,
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Scope:     req.Scope,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.accessRepo.WithTx(tx).Create(ctx, &token); err != nil {
		return "", nil, oauth.Unavailable(err)
	}
	return value, &token, nil
}

func (s *TokenService) createRefreshToken(ctx context.Context, tx *gorm.DB, familyID string, req IssueRequest, now time.Time) (string, *model.RefreshToken, error) {
	value, err := common.GenerateToken(params.OpaqueTokenBytes)
	if err != nil {
		return "", nil, err
	}
	token := model.RefreshToken{
		TokenHash: s.hash(value),
		FamilyID:  familyID,
		ParentID:  req.ParentID,
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Scope:     req.Scope,
		Status:    model.RefreshStatusActive,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}
	if err := s.refreshRepo.WithTx(tx).Create(ctx, &token); err != nil {
		return "", nil, oauth.Unavailable(err)
	}
	return value, &token, nil
}

func (s *TokenService) prepare(req *IssueRequest) error {
	scope, err := oauth.NormalizeScope(req.Scope)
	if err != nil {
		return err
	}
	req.Scope = scope
	if req.FamilyID == "" {
		req.FamilyID = uuid.NewString()
	}
	return nil
}

func (s *TokenService) recordIssued(ctx context.Context, tx *gorm.DB, req IssueRequest, refresh bool) error {
	return s.auditor.Record(ctx, tx, audit.Entry{
		Action:       audit.ActionTokensIssued,
		UserID:       req.UserID,
		Actor:        audit.ClientActor(req.ClientID),
		ResourceType: audit.ResourceFamily,
		ResourceID:   req.FamilyID,
		Changes:      map[string]any{"scope": req.Scope, "refresh": refresh},
	})
}

// IssueAccessToken mints a bare access token for flows without refresh. tx may be nil.
func (s *TokenService) IssueAccessToken(ctx context.Context, tx *gorm.DB, req IssueRequest) (string, *model.AccessToken, error) {
	if err := s.prepare(&req); err != nil {
		return "", nil, err
	}
	var (
		value string
		token *model.AccessToken
	)
	err := database.WithTx(s.db, tx, func(tx *gorm.DB) error {
		if err := s.integrity.CheckGrant(ctx, tx, req.ClientID, req.UserID); err != nil {
			return err
		}
		var err error
		if value, token, err = s.createAccessToken(ctx, tx, req.FamilyID, req, s.now()); err != nil {
			return err
		}
		return s.recordIssued(ctx, tx, req, false)
	})
	if err != nil {
		return "", nil, err
	}
	return value, token, nil
}

func (s *TokenService) issuePair(ctx context.Context, tx *gorm.DB, req IssueRequest) (*Pair, error) {
	now := s.now()
	access, _, err := s.createAccessToken(ctx, tx, req.FamilyID, req, now)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.createRefreshToken(ctx, tx, req.FamilyID, req, now)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    params.TokenTypeBearer,
		ExpiresIn:    s.config.AccessTokenTTL,
		Scope:        req.Scope,
		FamilyID:     req.FamilyID,
	}, nil
}

// IssuePair mints an access and refresh token in one family. tx may be nil.
func (s *TokenService) IssuePair(ctx context.Context, tx *gorm.DB, req IssueRequest) (*Pair, error) {
	if err := s.prepare(&req); err != nil {
		return nil, err
	}
	var pair *Pair
	err := database.WithTx(s.db, tx, func(tx *gorm.DB) error {
		if err := s.integrity.CheckGrant(ctx, tx, req.ClientID, req.UserID); err != nil {
			return err
		}
		var err error
		if pair, err = s.issuePair(ctx, tx, req); err != nil {
			return err
		}
		return s.recordIssued(ctx, tx, req, true)
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Validate checks an access token against storage. Client state is checked
// before revocation and expiry so a deactivated client surfaces as such.
// A token is expired from the instant now reaches its expiry.
func (s *TokenService) Validate(ctx context.Context, value string) (*TokenInfo, error) {
	if err := s.minter.check(value); err != nil {
		return nil, err
	}
	token, err := s.accessRepo.WithTx(database.Primary(s.db)).First(ctx, "token_hash = ?", s.hash(value))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	if err := s.integrity.CheckGrant(ctx, nil, token.ClientID, token.UserID); err != nil {
		return nil, err
	}
	if token.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}
	if !s.now().Before(token.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &TokenInfo{
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		FamilyID:  token.FamilyID,
		ExpiresAt: token.ExpiresAt,
		IssuedAt:  token.CreatedAt,
	}, nil
}

// Refresh exchanges a refresh token for new tokens. With rotation enabled the
// presented token is retired in the same transaction that mints its
// successor; presenting a retired token again revokes the whole family.
func (s *TokenService) Refresh(ctx context.Context, value, clientID string) (*Pair, error) {
	if value == "" {
		return nil, ErrRefreshInvalid
	}
	var (
		pair    *Pair
		failure *refreshFailure
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.refreshRepo.WithTx(tx)
		token, err := repo.First(ctx, "token_hash = ?", s.hash(value))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRefreshInvalid
		}
		if err != nil {
			return oauth.Unavailable(err)
		}
		now := s.now()
		switch {
		case token.ClientID != clientID:
			return ErrClientMismatch
		case token.Status == model.RefreshStatusRotated:
			failure = &refreshFailure{token: token, err: ErrRefreshReused}
			return errAbortRefresh
		case token.Status != model.RefreshStatusActive:
			return ErrRefreshInvalid
		case !now.Before(token.ExpiresAt):
			return ErrRefreshExpired
		}
		if err := s.integrity.CheckGrant(ctx, tx, token.ClientID, token.UserID); err != nil {
			return err
		}

		req := IssueRequest{
			FamilyID: token.FamilyID,
			ParentID: token.ID,
			ClientID: token.ClientID,
			UserID:   token.UserID,
			Scope:    token.Scope,
		}
		if !s.config.RotateRefreshTokens {
			access, _, err := s.createAccessToken(ctx, tx, token.FamilyID, req, now)
			if err != nil {
				return err
			}
			pair = &Pair{
				AccessToken:  access,
				RefreshToken: value,
				TokenType:    params.TokenTypeBearer,
				ExpiresIn:    s.config.AccessTokenTTL,
				Scope:        token.Scope,
				FamilyID:     token.FamilyID,
			}
			return s.recordIssued(ctx, tx, req, false)
		}

		won, err := repo.Transition(ctx, token.ID, model.RefreshStatusActive, model.RefreshStatusRotated, map[string]any{"rotated_at": now})
		if err != nil {
			return oauth.Unavailable(err)
		}
		if !won {
			failure = &refreshFailure{token: token, err: ErrRefreshReused}
			return errAbortRefresh
		}
		if pair, err = s.issuePair(ctx, tx, req); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionRefreshRotated,
			UserID:       token.UserID,
			Actor:        audit.ClientActor(clientID),
			ResourceType: audit.ResourceToken,
			ResourceID:   strconv.FormatUint(uint64(token.ID), 10),
			Changes:      audit.Transition(model.RefreshStatusActive, model.RefreshStatusRotated),
		})
	})
	if failure != nil {
		return nil, s.handleReuse(ctx, clientID, failure)
	}
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *TokenService) handleReuse(ctx context.Context, clientID string, failure *refreshFailure) error {
	token := failure.token
	slog.Warn("Refresh token reuse detected", "tokenID", token.ID, "clientID", token.ClientID, "userID", token.UserID, "familyID", token.FamilyID)
	err := s.auditor.Record(ctx, nil, audit.Entry{
		Action:       audit.ActionRefreshReuse,
		UserID:       token.UserID,
		Actor:        audit.ClientActor(clientID),
		ResourceType: audit.ResourceToken,
		ResourceID:   strconv.FormatUint(uint64(token.ID), 10),
		Changes:      map[string]any{"family_id": token.FamilyID},
	})
	if err != nil {
		return oauth.Unavailable(err)
	}
	if _, err := s.RevokeFamily(ctx, token.FamilyID, "refresh_reuse", audit.SystemActor()); err != nil {
		return err
	}
	return failure.err
}

func (s *TokenService) revokeWhere(ctx context.Context, entry audit.Entry, query string, args ...any) (int64, error) {
	var revoked int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.now()
		accessCount, err := s.accessRepo.WithTx(tx).Revoke(ctx, now, query, args...)
		if err != nil {
			return oauth.Unavailable(err)
		}
		refreshCount, err := s.refreshRepo.WithTx(tx).Revoke(ctx, now, query, args...)
		if err != nil {
			return oauth.Unavailable(err)
		}
		revoked = accessCount + refreshCount
		if revoked == 0 {
			return nil
		}
		if entry.Changes == nil {
			entry.Changes = map[string]any{}
		}
		entry.Changes["access_tokens"] = accessCount
		entry.Changes["refresh_tokens"] = refreshCount
		return s.auditor.Record(ctx, tx, entry)
	})
	return revoked, err
}

// RevokeFamily revokes every access and refresh token descended from one grant.
func (s *TokenService) RevokeFamily(ctx context.Context, familyID, reason string, actor audit.Actor) (int64, error) {
	return s.revokeWhere(ctx, audit.Entry{
		Action:       audit.ActionFamilyRevoked,
		Actor:        actor,
		ResourceType: audit.ResourceFamily,
		ResourceID:   familyID,
		Changes:      map[string]any{"reason": reason},
	}, "family_id = ?", familyID)
}

func (s *TokenService) RevokeAllForUser(ctx context.Context, userID uint, actor audit.Actor) (int64, error) {
	return s.revokeWhere(ctx, audit.Entry{
		Action:       audit.ActionTokensRevokedByUser,
		UserID:       userID,
		Actor:        actor,
		ResourceType: audit.ResourceUser,
		ResourceID:   strconv.FormatUint(uint64(userID), 10),
	}, "user_id = ?", userID)
}

func (s *TokenService) RevokeAllForClient(ctx context.Context, clientID string, actor audit.Actor) (int64, error) {
	return s.revokeWhere(ctx, audit.Entry{
		Action:       audit.ActionTokensRevokedByClient,
		Actor:        actor,
		ResourceType: audit.ResourceClient,
		ResourceID:   clientID,
	}, "client_id = ?", clientID)
}

func (s *TokenService) revokeAccess(ctx context.Context, tokenHash, clientID string) (bool, error) {
	token, err := s.accessRepo.First(ctx, "token_hash = ?", tokenHash)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, oauth.Unavailable(err)
	}
	if clientID != "" && token.ClientID != clientID {
		return true, nil
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		affected, err := s.accessRepo.WithTx(tx).Revoke(ctx, s.now(), "id = ?", token.ID)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if affected == 0 {
			return nil
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionTokenRevoked,
			UserID:       token.UserID,
			Actor:        audit.ClientActor(token.ClientID),
			ResourceType: audit.ResourceToken,
			ResourceID:   strconv.FormatUint(uint64(token.ID), 10),
			Changes:      map[string]any{"type": "access_token"},
		})
	})
	return true, err
}

func (s *TokenService) revokeRefresh(ctx context.Context, tokenHash, clientID string) (bool, error) {
	token, err := s.refreshRepo.First(ctx, "token_hash = ?", tokenHash)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, oauth.Unavailable(err)
	}
	if clientID != "" && token.ClientID != clientID {
		return true, nil
	}
	_, err = s.RevokeFamily(ctx, token.FamilyID, "refresh_revoked", audit.ClientActor(token.ClientID))
	return true, err
}

// Revoke invalidates the token if it exists and belongs to clientID (when
// given). Unknown tokens are not an error. Revoking a refresh token takes its
// whole family with it.
func (s *TokenService) Revoke(ctx context.Context, value, hint, clientID string) error {
	if value == "" {
		return nil
	}
	tokenHash := s.hash(value)
	lookups := []func(context.Context, string, string) (bool, error){s.revokeAccess, s.revokeRefresh}
	if hint == "refresh_token" {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		found, err := lookup(ctx, tokenHash, clientID)
		if err != nil || found {
			return err
		}
	}
	return nil
}

// Cleanup deletes expired token rows. Rotated refresh tokens stay until they
// expire so a replay can still be detected.
func (s *TokenService) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	accessCount, err := s.accessRepo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, oauth.Unavailable(err)
	}
	refreshCount, err := s.refreshRepo.DeleteExpired(ctx, now)
	if err != nil {
		return accessCount, oauth.Unavailable(err)
	}
	return accessCount + refreshCount, nil
}

func NewTokenService(db *gorm.DB, accessRepo AccessTokenRepository, refreshRepo RefreshTokenRepository, integrity IntegrityChecker, auditor *audit.Auditor, masterKey string, config Config, now func() time.Time) (*TokenService, error) {
	minter, err := newMinter(config.Format, config.Issuer, masterKey)
	if err != nil {
		return nil, err
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = params.DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = params.DefaultRefreshTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		db:          db,
		accessRepo:  accessRepo,
		refreshRepo: refreshRepo,
		integrity:   integrity,
		auditor:     auditor,
		minter:      minter,
		masterKey:   masterKey,
		config:      config,
		now:         now,
	}, nil
}
