package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscription registers a callback URL for every event a source produces.
type Subscription struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;not null;index;uniqueIndex:uq_subscriptions_user_source_callback,priority:1" json:"userId"`
	Source      string    `gorm:"column:source;type:text;not null;index:idx_subscriptions_source_active,priority:1;uniqueIndex:uq_subscriptions_user_source_callback,priority:2" json:"source"`
	CallbackURL string    `gorm:"column:callback_url;type:text;not null;uniqueIndex:uq_subscriptions_user_source_callback,priority:3" json:"callbackUrl"`
	Active      bool      `gorm:"column:active;not null;default:true;index:idx_subscriptions_source_active,priority:2" json:"active"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
