package events

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/hookrelay/internal/repo"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	"github.com/angelmondragon/hookrelay/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no webhook event matches the identifier.
var ErrNotFound = errors.New("webhook event not found")

// Repository persists webhook event records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.WebhookEvent) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	Transition(ctx context.Context, id uuid.UUID, t Transition) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, status enums.EventStatus, at time.Time) (bool, error)
	List(ctx context.Context, q ListQuery) ([]models.WebhookEvent, error)
	ListStale(ctx context.Context, status enums.EventStatus, before time.Time, limit int) ([]models.WebhookEvent, error)
}

// Transition is the full set of lifecycle columns written by the dispatcher.
// Nil pointers clear the column.
type Transition struct {
	Status       enums.EventStatus
	StatusCode   *int
	ErrorMessage *string
	RetryCount   int
	NextRetryAt  *time.Time
	ProcessedAt  *time.Time
}

// ListQuery filters the newest-first event listing.
type ListQuery struct {
	SubscriptionIDs []uuid.UUID
	Status          enums.EventStatus
	Source          string
	Limit           int
	Cursor          *pagination.Cursor
}

type repositoryImpl struct {
	repo.Base
}

// NewRepository returns an events repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{Base: repo.NewBase(db)}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{Base: repo.NewBase(tx)}
}

func (r *repositoryImpl) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.DB(ctx).Create(event).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := repo.Take(r.DB(ctx).Where("id = ?", id), &event, ErrNotFound); err != nil {
		return nil, err
	}
	return &event, nil
}

// Transition applies t only while the record is still pending or retrying, so
// terminal states are never overwritten. It reports whether a row changed.
func (r *repositoryImpl) Transition(ctx context.Context, id uuid.UUID, t Transition) (bool, error) {
	result := r.DB(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []enums.EventStatus{enums.EventStatusPending, enums.EventStatusRetrying}).
		Updates(map[string]any{
			"status":        t.Status,
			"status_code":   t.StatusCode,
			"error_message": t.ErrorMessage,
			"retry_count":   t.RetryCount,
			"next_retry_at": t.NextRetryAt,
			"processed_at":  t.ProcessedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Claim stamps updated_at on a record that is still in status, marking an
// attempt as in flight so the reconcile sweep leaves it alone. It reports
// whether the record was still in that status.
func (r *repositoryImpl) Claim(ctx context.Context, id uuid.UUID, status enums.EventStatus, at time.Time) (bool, error) {
	result := r.DB(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, status).
		UpdateColumn("updated_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) List(ctx context.Context, q ListQuery) ([]models.WebhookEvent, error) {
	if len(q.SubscriptionIDs) == 0 {
		return nil, nil
	}
	query := r.DB(ctx).Model(&models.WebhookEvent{}).Where("subscription_id IN ?", q.SubscriptionIDs)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Source != "" {
		query = query.Where("source = ?", q.Source)
	}
	if q.Cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", q.Cursor.CreatedAt, q.Cursor.CreatedAt, q.Cursor.ID)
	}

	var rows []models.WebhookEvent
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(q.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListStale returns records in status that nothing has touched since before,
// least recently touched first. Claimed and freshly transitioned records are
// excluded until the cutoff passes them.
func (r *repositoryImpl) ListStale(ctx context.Context, status enums.EventStatus, before time.Time, limit int) ([]models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.DB(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
