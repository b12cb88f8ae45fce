// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Link model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a link is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A second link with an existing token yields ErrDuplicate.
//   - A link without items yields ErrEmptyLink.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// ErrEmptyLink rejects a link with no items; it could never be delivered.
var ErrEmptyLink = errors.New("link has no items")

// CreateLink inserts a link and its items in one transaction. Item positions
// are rewritten to the slice order. CreatedAt defaults to now (UTC).
func CreateLink(ctx context.Context, db *gorm.DB, l *domain.Link) error {
	if len(l.Items) == 0 {
		return ErrEmptyLink
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(l).Error; err != nil {
			return err
		}
		for i := range l.Items {
			l.Items[i].Token = l.Token
			l.Items[i].Position = i
		}
		return tx.Create(&l.Items).Error
	})
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetLink fetches a link with its items ordered by position, or ErrNotFound.
func GetLink(ctx context.Context, db *gorm.DB, token string) (*domain.Link, error) {
	var l domain.Link
	err := db.WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("token = ?", token).
		First(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLink removes a link and its items. It returns ErrNotFound when no
// link with the token exists.
func DeleteLink(ctx context.Context, db *gorm.DB, token string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token = ?", token).Delete(&domain.LinkItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("token = ?", token).Delete(&domain.Link{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// CountLinks returns the number of stored links.
func CountLinks(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Link{}).Count(&n).Error
	return n, err
}
