package clients

import (
	"context"

	"github.com/khanghh/oauthd/model"
	"gorm.io/gorm"
)

type ClientRepository interface {
	WithTx(tx *gorm.DB) ClientRepository
	First(ctx context.Context, query any, args ...any) (*model.OAuthClient, error)
	Find(ctx context.Context, query any, args ...any) ([]model.OAuthClient, error)
	Create(ctx context.Context, client *model.OAuthClient) error
	Updates(ctx context.Context, columns map[string]any, query any, args ...any) (int64, error)
}

type clientRepository struct {
	db *gorm.DB
}

func (r *clientRepository) WithTx(tx *gorm.DB) ClientRepository {
	return NewClientRepository(tx)
}

func (r *clientRepository) First(ctx context.Context, query any, args ...any) (*model.OAuthClient, error) {
	var client model.OAuthClient
	if err := r.db.WithContext(ctx).Where(query, args...).First(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *clientRepository) Find(ctx context.Context, query any, args ...any) ([]model.OAuthClient, error) {
	var clients []model.OAuthClient
	err := r.db.WithContext(ctx).Where(query, args...).Order("created_at").Find(&clients).Error
	return clients, err
}

func (r *clientRepository) Create(ctx context.Context, client *model.OAuthClient) error {
	return r.db.WithContext(ctx).Create(client).Error
}

func (r *clientRepository) Updates(ctx context.Context, columns map[string]any, query any, args ...any) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.OAuthClient{}).Where(query, args...).Updates(columns)
	return ret.RowsAffected, ret.Error
}

func NewClientRepository(db *gorm.DB) ClientRepository {
	return &clientRepository{
		db: db,
	}
}
