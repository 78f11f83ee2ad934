package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Base is embedded by the subscription and event repositories.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx when one is supplied.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Take loads a single row into dest, translating a missing row into notFound
// so callers can match on their own sentinel.
func Take(query *gorm.DB, dest any, notFound error) error {
	err := query.Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return err
}
