package tokens

import (
	"context"
	"time"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type AccessTokenRepository interface {
	WithTx(tx *gorm.DB) AccessTokenRepository
	First(ctx context.Context, query any, args ...any) (*model.AccessToken, error)
	Create(ctx context.Context, token *model.AccessToken) error
	Revoke(ctx context.Context, now time.Time, query any, args ...any) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type RefreshTokenRepository interface {
	WithTx(tx *gorm.DB) RefreshTokenRepository
	First(ctx context.Context, query any, args ...any) (*model.RefreshToken, error)
	Create(ctx context.Context, token *model.RefreshToken) error
	// Transition moves one token between statuses and reports whether it won the swap.
	Transition(ctx context.Context, id uint, from, to string, columns map[string]any) (bool, error)
	Revoke(ctx context.Context, now time.Time, query any, args ...any) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type accessTokenRepository struct {
	db *gorm.DB
}

func (r *accessTokenRepository) WithTx(tx *gorm.DB) AccessTokenRepository {
	return NewAccessTokenRepository(tx)
}

func (r *accessTokenRepository) First(ctx context.Context, query any, args ...any) (*model.AccessToken, error) {
	var token model.AccessToken
	if err := r.db.WithContext(ctx).Where(query, args...).First(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *accessTokenRepository) Create(ctx context.Context, token *model.AccessToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *accessTokenRepository) Revoke(ctx context.Context, now time.Time, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.AccessToken{}).
		Where("revoked_at IS NULL").
		Where(query, args...).
		Update("revoked_at", now)
	return ret.RowsAffected, ret.Error
}

func (r *accessTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ret := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.AccessToken{})
	return ret.RowsAffected, ret.Error
}

func NewAccessTokenRepository(db *gorm.DB) AccessTokenRepository {
	return &accessTokenRepository{db}
}

type refreshTokenRepository struct {
	db *gorm.DB
}

func (r *refreshTokenRepository) WithTx(tx *gorm.DB) RefreshTokenRepository {
	return NewRefreshTokenRepository(tx)
}

func (r *refreshTokenRepository) First(ctx context.Context, query any, args ...any) (*model.RefreshToken, error) {
	var token model.RefreshToken
	if err := r.db.WithContext(ctx).Where(query, args...).First(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *refreshTokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *refreshTokenRepository) Transition(ctx context.Context, id uint, from, to string, columns map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for key, val := range columns {
		updates[key] = val
	}
	ret := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return ret.RowsAffected == 1, ret.Error
}

func (r *refreshTokenRepository) Revoke(ctx context.Context, now time.Time, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("status <> ?", model.RefreshStatusRevoked).
		Where(query, args...).
		Updates(map[string]any{"status": model.RefreshStatusRevoked, "revoked_at": now})
	return ret.RowsAffected, ret.Error
}

func (r *refreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ret := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.RefreshToken{})
	return ret.RowsAffected, ret.Error
}

func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &refreshTokenRepository{db}
}
