package auth

import (
	"context"
	"time"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	WithTx(tx *gorm.DB) AttemptRepository
	First(ctx context.Context, query any, args ...any) (*model.AuthorizationAttempt, error)
	Create(ctx context.Context, attempt *model.AuthorizationAttempt) error
	// Transition moves an attempt between statuses and reports whether it won the swap.
	Transition(ctx context.Context, id, from, to string, columns map[string]any) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type attemptRepository struct {
	db *gorm.DB
}

func (r *attemptRepository) WithTx(tx *gorm.DB) AttemptRepository {
	return NewAttemptRepository(tx)
}

func (r *attemptRepository) First(ctx context.Context, query any, args ...any) (*model.AuthorizationAttempt, error) {
	var attempt model.AuthorizationAttempt
	if err := r.db.WithContext(ctx).Where(query, args...).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *attemptRepository) Create(ctx context.Context, attempt *model.AuthorizationAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *attemptRepository) Transition(ctx context.Context, id, from, to string, columns map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for key, val := range columns {
		updates[key] = val
	}
	ret := r.db.WithContext(ctx).Model(&model.AuthorizationAttempt{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return ret.RowsAffected == 1, ret.Error
}

func (r *attemptRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ret := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.AuthorizationAttempt{})
	return ret.RowsAffected, ret.Error
}

func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db}
}
