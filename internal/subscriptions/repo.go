package subscriptions

import (
	"context"
	"errors"

	"github.com/angelmondragon/hookrelay/internal/repo"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no subscription matches the lookup.
var ErrNotFound = errors.New("subscription not found")

// Repository persists callback subscriptions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByKey(ctx context.Context, userID uuid.UUID, source, callbackURL string) (*models.Subscription, error)
	ListActiveBySource(ctx context.Context, source string) ([]models.Subscription, error)
	ListByUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.Subscription, error)
	SetActive(ctx context.Context, userID, id uuid.UUID, active bool) (bool, error)
	Delete(ctx context.Context, userID, id uuid.UUID) (bool, error)
}

type repositoryImpl struct {
	repo.Base
}

// NewRepository returns a subscriptions repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{Base: repo.NewBase(db)}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{Base: repo.NewBase(tx)}
}

func (r *repositoryImpl) Create(ctx context.Context, sub *models.Subscription) error {
	return r.DB(ctx).Create(sub).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.take(r.DB(ctx).Where("id = ?", id))
}

func (r *repositoryImpl) FindByKey(ctx context.Context, userID uuid.UUID, source, callbackURL string) (*models.Subscription, error) {
	return r.take(r.DB(ctx).Where("user_id = ? AND source = ? AND callback_url = ?", userID, source, callbackURL))
}

func (r *repositoryImpl) take(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := repo.Take(query, &sub, ErrNotFound); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repositoryImpl) ListActiveBySource(ctx context.Context, source string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.DB(ctx).
		Where("source = ? AND active = ?", source, true).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repositoryImpl) ListByUser(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]models.Subscription, error) {
	query := r.DB(ctx).Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var subs []models.Subscription
	if err := query.Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repositoryImpl) SetActive(ctx context.Context, userID, id uuid.UUID, active bool) (bool, error) {
	result := r.DB(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("active", active)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) Delete(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	result := r.DB(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Subscription{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
