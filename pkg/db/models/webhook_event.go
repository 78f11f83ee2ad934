package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/hookrelay/pkg/enums"
)

// WebhookEvent tracks one delivery obligation for a (producer event, subscription) pair.
type WebhookEvent struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SubscriptionID uuid.UUID         `gorm:"column:subscription_id;type:uuid;not null;index:idx_webhook_events_subscription_created,priority:1" json:"subscriptionId"`
	Source         string            `gorm:"column:source;type:text;not null;index" json:"source"`
	Payload        json.RawMessage   `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Status         enums.EventStatus `gorm:"column:status;type:text;not null;default:'pending';index:idx_webhook_events_status_next_retry,priority:1;index:idx_webhook_events_status_updated,priority:1" json:"status"`
	StatusCode     *int              `gorm:"column:status_code" json:"statusCode,omitempty"`
	ErrorMessage   *string           `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	RetryCount     int               `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	NextRetryAt    *time.Time        `gorm:"column:next_retry_at;index:idx_webhook_events_status_next_retry,priority:2" json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_webhook_events_subscription_created,priority:2,sort:desc" json:"createdAt"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime;index:idx_webhook_events_status_updated,priority:2" json:"updatedAt"`
	ProcessedAt    *time.Time        `gorm:"column:processed_at" json:"processedAt,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// BeforeCreate assigns an identifier when the caller did not provide one.
func (e *WebhookEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = enums.EventStatusPending
	}
	return nil
}
