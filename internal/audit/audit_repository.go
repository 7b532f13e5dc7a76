package audit

import (
	"context"
	"time"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type Filter struct {
	Action       string
	UserID       uint
	ResourceType string
	ResourceID   string
	Since        time.Time
	Limit        int
}

type AuditEventRepository interface {
	WithTx(tx *gorm.DB) AuditEventRepository
	Create(ctx context.Context, event *model.AuditEvent) error
	Find(ctx context.Context, filter Filter) ([]model.AuditEvent, error)
}

type auditEventRepository struct {
	db *gorm.DB
}

func (r *auditEventRepository) Create(ctx context.Context, event *model.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *auditEventRepository) Find(ctx context.Context, filter Filter) ([]model.AuditEvent, error) {
	query := r.db.WithContext(ctx).Model(&model.AuditEvent{})
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.ResourceType != "" {
		query = query.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		query = query.Where("resource_id = ?", filter.ResourceID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var events []model.AuditEvent
	err := query.Order("id").Find(&events).Error
	return events, err
}

func (r *auditEventRepository) WithTx(tx *gorm.DB) AuditEventRepository {
	return NewAuditEventRepository(tx)
}

func NewAuditEventRepository(db *gorm.DB) AuditEventRepository {
	return &auditEventRepository{db}
}
