// Package dbtest opens throwaway SQLite databases carrying the relay schema.
package dbtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open returns an isolated in-memory database migrated with the relay models.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.Subscription{}, &models.WebhookEvent{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	// a shared-cache memory db lives as long as one connection stays open
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

// Subscription inserts an active subscription for source pointing at callbackURL.
func Subscription(t testing.TB, conn *gorm.DB, userID uuid.UUID, source, callbackURL string) models.Subscription {
	t.Helper()
	sub := models.Subscription{UserID: userID, Source: source, CallbackURL: callbackURL, Active: true}
	if err := conn.Create(&sub).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}
