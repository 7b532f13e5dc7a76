package codes

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

// FamilyRevoker revokes every token minted from one grant.
type FamilyRevoker interface {
	RevokeFamily(ctx context.Context, familyID, reason string, actor audit.Actor) (int64, error)
}

type Config struct {
	TTL           time.Duration
	RevokeOnReuse bool
}

type IssueRequest struct {
	AttemptID   string
	ClientID    string
	UserID      uint
	RedirectURI string
	Scope       string
}

// Grant is what a redeemed code stands for.
type Grant struct {
	CodeID      uint
	AttemptID   string
	FamilyID    string
	ClientID    string
	UserID      uint
	RedirectURI string
	Scope       string
}

func grantOf(code *model.AuthorizationCode) *Grant {
	return &Grant{
		CodeID:      code.ID,
		AttemptID:   code.AttemptID,
		FamilyID:    code.FamilyID,
		ClientID:    code.ClientID,
		UserID:      code.UserID,
		RedirectURI: code.RedirectURI,
		Scope:       code.Scope,
	}
}

// redeemFailure is decided inside the redemption transaction and applied after it rolls back.
type redeemFailure struct {
	code   *model.AuthorizationCode
	status string // target status, empty when the row stays as is
	reuse  bool
	err    error
}

var errAbortRedeem = errors.New("abort redemption")

type CodeIssuer struct {
	db        *gorm.DB
	codeRepo  CodeRepository
	integrity IntegrityChecker
	revoker   FamilyRevoker
	auditor   *audit.Auditor
	masterKey string
	config    Config
	now       func() time.Time
}

func (s *CodeIssuer) hash(code string) string {
	return common.HashToken(s.masterKey, code)
}

// Issue mints a code bound to client, user, redirect uri and scope. tx may be nil.
func (s *CodeIssuer) Issue(ctx context.Context, tx *gorm.DB, req IssueRequest) (string, *model.AuthorizationCode, error) {
	scope, err := oauth.NormalizeScope(req.Scope)
	if err != nil {
		return "", nil, err
	}
	value, err := common.GenerateToken(params.OpaqueTokenBytes)
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	code := model.AuthorizationCode{
		CodeHash:    s.hash(value),
		AttemptID:   req.AttemptID,
		FamilyID:    uuid.NewString(),
		ClientID:    req.ClientID,
		UserID:      req.UserID,
		RedirectURI: req.RedirectURI,
		Scope:       scope,
		Status:      model.CodeStatusIssued,
		ExpiresAt:   now.Add(s.config.TTL),
		CreatedAt:   now,
	}
	err = database.WithTx(s.db, tx, func(tx *gorm.DB) error {
		if err := s.integrity.CheckGrant(ctx, tx, req.ClientID, req.UserID); err != nil {
			return err
		}
		if err := s.codeRepo.WithTx(tx).Create(ctx, &code); err != nil {
			return oauth.Unavailable(err)
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionCodeIssued,
			UserID:       req.UserID,
			Actor:        audit.UserActor(req.UserID),
			ResourceType: audit.ResourceCode,
			ResourceID:   strconv.FormatUint(uint64(code.ID), 10),
			Changes: map[string]any{
				"client_id": req.ClientID,
				"scope":     scope,
				"to":        model.CodeStatusIssued,
			},
		})
	})
	if err != nil {
		return "", nil, err
	}
	return value, &code, nil
}

// Redeem consumes a code exactly once. The compare-and-swap on status and
// everything onRedeem writes commit in one transaction, so a code is never
// consumed without its tokens or the other way round. The returned grant is
// non-nil whenever the code was found, even on failure.
func (s *CodeIssuer) Redeem(ctx context.Context, value, clientID, redirectURI string, onRedeem func(tx *gorm.DB, grant *Grant) error) (*Grant, error) {
	if value == "" {
		return nil, ErrCodeInvalid
	}
	var (
		grant   *Grant
		failure *redeemFailure
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.codeRepo.WithTx(tx)
		code, err := repo.First(ctx, "code_hash = ?", s.hash(value))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCodeInvalid
		}
		if err != nil {
			return oauth.Unavailable(err)
		}
		grant = grantOf(code)
		now := s.now()

		switch {
		case code.Status == model.CodeStatusConsumed:
			failure = &redeemFailure{code: code, reuse: true, err: ErrCodeReused}
		case code.Status != model.CodeStatusIssued:
			failure = &redeemFailure{code: code, err: ErrCodeInvalid}
		case !now.Before(code.ExpiresAt):
			failure = &redeemFailure{code: code, status: model.CodeStatusExpired, err: ErrCodeExpired}
		case code.ClientID != clientID:
			failure = &redeemFailure{code: code, status: model.CodeStatusRevoked, err: ErrClientMismatch}
		case code.RedirectURI != redirectURI:
			failure = &redeemFailure{code: code, status: model.CodeStatusRevoked, err: ErrRedirectMismatch}
		}
		if failure != nil {
			return errAbortRedeem
		}

		won, err := repo.Transition(ctx, code.ID, model.CodeStatusIssued, model.CodeStatusConsumed, map[string]any{"consumed_at": now})
		if err != nil {
			return oauth.Unavailable(err)
		}
		if !won {
			failure = &redeemFailure{code: code, reuse: true, err: ErrCodeReused}
			return errAbortRedeem
		}
		err = s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionCodeRedeemed,
			UserID:       code.UserID,
			Actor:        audit.ClientActor(clientID),
			ResourceType: audit.ResourceCode,
			ResourceID:   strconv.FormatUint(uint64(code.ID), 10),
			Changes:      audit.Transition(model.CodeStatusIssued, model.CodeStatusConsumed),
		})
		if err != nil {
			return err
		}
		if err := onRedeem(tx, grant); err != nil {
			if errors.Is(err, oauth.ErrStorageUnavailable) {
				return err
			}
			failure = &redeemFailure{code: code, status: model.CodeStatusRevoked, err: err}
			return errAbortRedeem
		}
		return nil
	})
	if failure != nil {
		return grant, s.applyFailure(ctx, clientID, failure)
	}
	return grant, err
}

func (s *CodeIssuer) applyFailure(ctx context.Context, clientID string, failure *redeemFailure) error {
	code := failure.code
	if failure.reuse {
		slog.Warn("Authorization code reuse detected", "codeID", code.ID, "clientID", code.ClientID, "userID", code.UserID, "familyID", code.FamilyID)
		err := s.auditor.Record(ctx, nil, audit.Entry{
			Action:       audit.ActionCodeReuse,
			UserID:       code.UserID,
			Actor:        audit.ClientActor(clientID),
			ResourceType: audit.ResourceCode,
			ResourceID:   strconv.FormatUint(uint64(code.ID), 10),
			Changes:      map[string]any{"family_id": code.FamilyID, "revoke": s.config.RevokeOnReuse},
		})
		if err != nil {
			return oauth.Unavailable(err)
		}
		if s.config.RevokeOnReuse {
			if _, err := s.revoker.RevokeFamily(ctx, code.FamilyID, "code_reuse", audit.SystemActor()); err != nil {
				return err
			}
		}
		return failure.err
	}
	if failure.status == "" {
		return failure.err
	}
	if _, err := s.retire(ctx, clientID, code, failure.status, failure.err); err != nil {
		return err
	}
	return failure.err
}

// retire moves an issued code to a terminal status and reports whether this call did it.
func (s *CodeIssuer) retire(ctx context.Context, clientID string, code *model.AuthorizationCode, status string, cause error) (bool, error) {
	var won bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		won, err = s.codeRepo.WithTx(tx).Transition(ctx, code.ID, model.CodeStatusIssued, status, nil)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if !won {
			return nil
		}
		changes := audit.Transition(model.CodeStatusIssued, status)
		changes["reason"] = cause.Error()
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionCodeRejected,
			UserID:       code.UserID,
			Actor:        audit.ClientActor(clientID),
			ResourceType: audit.ResourceCode,
			ResourceID:   strconv.FormatUint(uint64(code.ID), 10),
			Changes:      changes,
		})
	})
	return won && err == nil, err
}

// Reject revokes an outstanding code after an exchange failed before
// redemption, e.g. on bad client credentials. The grant is returned only when
// this call revoked the code; unknown or already settled codes are left alone.
func (s *CodeIssuer) Reject(ctx context.Context, value, clientID string, cause error) (*Grant, error) {
	if value == "" {
		return nil, nil
	}
	code, err := s.codeRepo.WithTx(database.Primary(s.db)).First(ctx, "code_hash = ?", s.hash(value))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	if code.Status != model.CodeStatusIssued {
		return nil, nil
	}
	won, err := s.retire(ctx, clientID, code, model.CodeStatusRevoked, cause)
	if err != nil || !won {
		return nil, err
	}
	return grantOf(code), nil
}

func (s *CodeIssuer) invalidate(ctx context.Context, actor audit.Actor, userID uint, resourceType, resourceID string, query string, args ...any) (int64, error) {
	var invalidated int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		invalidated, err = s.codeRepo.WithTx(tx).TransitionAll(ctx, model.CodeStatusIssued, model.CodeStatusRevoked, query, args...)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if invalidated == 0 {
			return nil
		}
		return s.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionCodesInvalidated,
			UserID:       userID,
			Actor:        actor,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Changes:      map[string]any{"count": invalidated},
		})
	})
	return invalidated, err
}

// InvalidateForUser revokes every outstanding code issued to the user.
func (s *CodeIssuer) InvalidateForUser(ctx context.Context, userID uint, actor audit.Actor) (int64, error) {
	return s.invalidate(ctx, actor, userID, audit.ResourceUser, strconv.FormatUint(uint64(userID), 10), "user_id = ?", userID)
}

// InvalidateForClient revokes every outstanding code issued to the client.
func (s *CodeIssuer) InvalidateForClient(ctx context.Context, clientID string, actor audit.Actor) (int64, error) {
	return s.invalidate(ctx, actor, 0, audit.ResourceClient, clientID, "client_id = ?", clientID)
}

func (s *CodeIssuer) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	removed, err := s.codeRepo.DeleteExpired(ctx, now)
	return removed, oauth.Unavailable(err)
}

func NewCodeIssuer(db *gorm.DB, codeRepo CodeRepository, integrity IntegrityChecker, revoker FamilyRevoker, auditor *audit.Auditor, masterKey string, config Config, now func() time.Time) *CodeIssuer {
	if config.TTL <= 0 || config.TTL > params.MaxAuthorizationCodeTTL {
		config.TTL = params.MaxAuthorizationCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &CodeIssuer{
		db:        db,
		codeRepo:  codeRepo,
		integrity: integrity,
		revoker:   revoker,
		auditor:   auditor,
		masterKey: masterKey,
		config:    config,
		now:       now,
	}
}
