package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/common"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/model"
	"github.com/khanghh/oauthd/params"
	"gorm.io/gorm"
)

// UserChecker rejects unknown or disabled users.
type UserChecker interface {
	RequireActive(ctx context.Context, tx *gorm.DB, userID uint) (*model.User, error)
}

type Config struct {
	MaxAge            time.Duration
	SlidingExpiration bool
}

// cachedSession mirrors the fields of a session row needed to validate it.
type cachedSession struct {
	SessionID uint  `json:"sid" redis:"sid"`
	UserID    uint  `json:"uid" redis:"uid"`
	ExpiresAt int64 `json:"exp" redis:"exp"` // unix nanoseconds
}

type SessionManager struct {
	db          *gorm.DB
	sessionRepo SessionRepository
	cache       store.Store[cachedSession]
	users       UserChecker
	auditor     *audit.Auditor
	masterKey   string
	config      Config
	now         func() time.Time
}

func (m *SessionManager) hash(token string) string {
	return common.HashToken(m.masterKey, token)
}

func (m *SessionManager) cacheSession(ctx context.Context, tokenHash string, sess *model.Session) {
	ttl := min(sess.ExpiresAt.Sub(m.now()), params.SessionCacheTTL)
	if ttl <= 0 {
		return
	}
	entry := cachedSession{SessionID: sess.ID, UserID: sess.UserID, ExpiresAt: sess.ExpiresAt.UnixNano()}
	if err := m.cache.Set(ctx, tokenHash, entry, ttl); err != nil {
		slog.Warn("Could not cache session", "sessionID", sess.ID, "error", err)
	}
}

func (m *SessionManager) evict(ctx context.Context, tokenHash string) {
	if err := m.cache.Delete(ctx, tokenHash); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Could not evict cached session", "error", err)
	}
}

// Create starts a session for an active user and returns the row and the
// opaque session id for the browser cookie.
func (m *SessionManager) Create(ctx context.Context, userID uint, userAgent, ip string) (*model.Session, string, error) {
	token, err := common.GenerateToken(params.OpaqueTokenBytes)
	if err != nil {
		return nil, "", err
	}
	now := m.now()
	sess := model.Session{
		TokenHash:  m.hash(token),
		UserID:     userID,
		UserAgent:  userAgent,
		IP:         ip,
		ExpiresAt:  now.Add(m.config.MaxAge),
		LastSeenAt: now,
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if _, err := m.users.RequireActive(ctx, tx, userID); err != nil {
			return err
		}
		if err := m.sessionRepo.WithTx(tx).Create(ctx, &sess); err != nil {
			return oauth.Unavailable(err)
		}
		return m.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionSessionCreated,
			UserID:       userID,
			Actor:        audit.UserActor(userID),
			ResourceType: audit.ResourceSession,
			ResourceID:   strconv.FormatUint(uint64(sess.ID), 10),
			IP:           ip,
			UserAgent:    userAgent,
		})
	})
	if err != nil {
		return nil, "", err
	}
	m.cacheSession(ctx, sess.TokenHash, &sess)
	return &sess, token, nil
}

func (m *SessionManager) load(ctx context.Context, tokenHash string) (*cachedSession, error) {
	if entry, err := m.cache.Get(ctx, tokenHash); err == nil {
		return &entry, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Session cache unavailable", "error", err)
	}
	sess, err := m.sessionRepo.WithTx(database.Primary(m.db)).First(ctx, "token_hash = ?", tokenHash)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	m.cacheSession(ctx, tokenHash, sess)
	return &cachedSession{SessionID: sess.ID, UserID: sess.UserID, ExpiresAt: sess.ExpiresAt.UnixNano()}, nil
}

// Validate resolves a session id to its user. Expiry is evaluated against the
// injected clock, so a session is expired from the instant now reaches expires_at.
func (m *SessionManager) Validate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	entry, err := m.load(ctx, m.hash(token))
	if err != nil {
		return nil, err
	}
	if !m.now().Before(time.Unix(0, entry.ExpiresAt)) {
		return nil, ErrSessionExpired
	}
	user, err := m.users.RequireActive(ctx, nil, entry.UserID)
	if errors.Is(err, oauth.ErrStorageUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return user, nil
}

// Touch slides the expiry forward when the policy enables it and more than
// half of the max age has elapsed.
func (m *SessionManager) Touch(ctx context.Context, token string) error {
	tokenHash := m.hash(token)
	entry, err := m.load(ctx, tokenHash)
	if err != nil {
		return err
	}
	now := m.now()
	expiresAt := time.Unix(0, entry.ExpiresAt)
	if !now.Before(expiresAt) {
		return ErrSessionExpired
	}
	columns := map[string]any{"last_seen_at": now}
	renew := m.config.SlidingExpiration && expiresAt.Sub(now) < m.config.MaxAge/2
	if renew {
		columns["expires_at"] = now.Add(m.config.MaxAge)
	}
	var affected int64
	err = m.db.Transaction(func(tx *gorm.DB) error {
		var err error
		affected, err = m.sessionRepo.WithTx(tx).Updates(ctx, columns, "token_hash = ? AND expires_at > ?", tokenHash, now)
		if err != nil {
			return oauth.Unavailable(err)
		}
		if affected == 0 || !renew {
			return nil
		}
		return m.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionSessionExtended,
			UserID:       entry.UserID,
			Actor:        audit.UserActor(entry.UserID),
			ResourceType: audit.ResourceSession,
			ResourceID:   strconv.FormatUint(uint64(entry.SessionID), 10),
			Changes:      map[string]any{"expires_at": columns["expires_at"]},
		})
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		m.evict(ctx, tokenHash)
		return ErrSessionNotFound
	}
	if renew {
		m.evict(ctx, tokenHash)
	}
	return nil
}

func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	tokenHash := m.hash(token)
	err := m.db.Transaction(func(tx *gorm.DB) error {
		repo := m.sessionRepo.WithTx(tx)
		sess, err := repo.First(ctx, "token_hash = ?", tokenHash)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return oauth.Unavailable(err)
		}
		if _, err := repo.Delete(ctx, "id = ?", sess.ID); err != nil {
			return oauth.Unavailable(err)
		}
		return m.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionSessionDestroyed,
			UserID:       sess.UserID,
			Actor:        audit.UserActor(sess.UserID),
			ResourceType: audit.ResourceSession,
			ResourceID:   strconv.FormatUint(uint64(sess.ID), 10),
		})
	})
	m.evict(ctx, tokenHash)
	return err
}

// DestroyAllForUser ends every session of the user and returns how many were removed.
func (m *SessionManager) DestroyAllForUser(ctx context.Context, userID uint, actor audit.Actor) (int64, error) {
	var (
		hashes  []string
		removed int64
	)
	err := m.db.Transaction(func(tx *gorm.DB) error {
		repo := m.sessionRepo.WithTx(tx)
		var err error
		if hashes, err = repo.TokenHashes(ctx, userID); err != nil {
			return oauth.Unavailable(err)
		}
		if removed, err = repo.Delete(ctx, "user_id = ?", userID); err != nil {
			return oauth.Unavailable(err)
		}
		return m.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionSessionsDestroyed,
			UserID:       userID,
			Actor:        actor,
			ResourceType: audit.ResourceUser,
			ResourceID:   strconv.FormatUint(uint64(userID), 10),
			Changes:      map[string]any{"count": removed},
		})
	})
	if err != nil {
		return 0, err
	}
	for _, tokenHash := range hashes {
		m.evict(ctx, tokenHash)
	}
	return removed, nil
}

func (m *SessionManager) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	removed, err := m.sessionRepo.DeleteExpired(ctx, now)
	return removed, oauth.Unavailable(err)
}

func NewSessionManager(db *gorm.DB, sessionRepo SessionRepository, cache store.Storage, users UserChecker, auditor *audit.Auditor, masterKey string, config Config, now func() time.Time) *SessionManager {
	if config.MaxAge <= 0 {
		config.MaxAge = params.DefaultSessionMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		db:          db,
		sessionRepo: sessionRepo,
		cache:       store.New[cachedSession](cache, params.SessionKeyPrefix),
		users:       users,
		auditor:     auditor,
		masterKey:   masterKey,
		config:      config,
		now:         now,
	}
}
