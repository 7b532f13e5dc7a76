package codes

import (
	"context"
	"time"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type CodeRepository interface {
	WithTx(tx *gorm.DB) CodeRepository
	First(ctx context.Context, query any, args ...any) (*model.AuthorizationCode, error)
	Create(ctx context.Context, code *model.AuthorizationCode) error
	// Transition moves a code from one status to another and reports whether it won the swap.
	Transition(ctx context.Context, id uint, from, to string, columns map[string]any) (bool, error)
	TransitionAll(ctx context.Context, from, to string, query any, args ...any) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type codeRepository struct {
	db *gorm.DB
}

func (r *codeRepository) WithTx(tx *gorm.DB) CodeRepository {
	return NewCodeRepository(tx)
}

func (r *codeRepository) First(ctx context.Context, query any, args ...any) (*model.AuthorizationCode, error) {
	var code model.AuthorizationCode
	if err := r.db.WithContext(ctx).Where(query, args...).First(&code).Error; err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *codeRepository) Create(ctx context.Context, code *model.AuthorizationCode) error {
	return r.db.WithContext(ctx).Create(code).Error
}

func (r *codeRepository) Transition(ctx context.Context, id uint, from, to string, columns map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for key, val := range columns {
		updates[key] = val
	}
	ret := r.db.WithContext(ctx).Model(&model.AuthorizationCode{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return ret.RowsAffected == 1, ret.Error
}

func (r *codeRepository) TransitionAll(ctx context.Context, from, to string, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.AuthorizationCode{}).
		Where("status = ?", from).
		Where(query, args...).
		Update("status", to)
	return ret.RowsAffected, ret.Error
}

func (r *codeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ret := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&model.AuthorizationCode{})
	return ret.RowsAffected, ret.Error
}

func NewCodeRepository(db *gorm.DB) CodeRepository {
	return &codeRepository{db}
}
