package sessions

import (
	"context"
	"time"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type SessionRepository interface {
	WithTx(tx *gorm.DB) SessionRepository
	First(ctx context.Context, query any, args ...any) (*model.Session, error)
	Create(ctx context.Context, sess *model.Session) error
	Updates(ctx context.Context, columns map[string]any, query any, args ...any) (int64, error)
	Delete(ctx context.Context, query any, args ...any) (int64, error)
	TokenHashes(ctx context.Context, userID uint) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) WithTx(tx *gorm.DB) SessionRepository {
	return NewSessionRepository(tx)
}

func (r *sessionRepository) First(ctx context.Context, query any, args ...any) (*model.Session, error) {
	var sess model.Session
	if err := r.db.WithContext(ctx).Where(query, args...).First(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *sessionRepository) Create(ctx context.Context, sess *model.Session) error {
	return r.db.WithContext(ctx).Create(sess).Error
}

func (r *sessionRepository) Updates(ctx context.Context, columns map[string]any, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.Session{}).Where(query, args...).Updates(columns)
	return ret.RowsAffected, ret.Error
}

func (r *sessionRepository) Delete(ctx context.Context, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Where(query, args...).Delete(&model.Session{})
	return ret.RowsAffected, ret.Error
}

func (r *sessionRepository) TokenHashes(ctx context.Context, userID uint) ([]string, error) {
	var hashes []string
	err := r.db.WithContext(ctx).Model(&model.Session{}).Where("user_id = ?", userID).Pluck("token_hash", &hashes).Error
	return hashes, err
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.Delete(ctx, "expires_at <= ?", now)
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db}
}
