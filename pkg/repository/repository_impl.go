// Package repository provides a generic, transaction-agnostic store for
// company-scoped gorm models. Every method takes the *gorm.DB to run on so
// callers decide whether the query joins an open transaction.
package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store[T any] struct{}

func NewStore[T any]() Store[T] {
	return Store[T]{}
}

// FindByID returns nil, nil when the row does not exist.
func (Store[T]) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*T, error) {
	var result T
	err := db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, id).
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// FindByIDForUpdate row-locks the record until the surrounding transaction ends.
func (Store[T]) FindByIDForUpdate(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*T, error) {
	var result T
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND id = ?", companyID, id).
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// ListForUpdate locks rows in ascending id order so concurrent callers acquire locks in the same sequence.
func (Store[T]) ListForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID) ([]T, error) {
	var result []T
	if len(ids) == 0 {
		return result, nil
	}
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND id IN ?", companyID, ids).
		Order("id ASC").
		Find(&result).Error
	return result, err
}

func (Store[T]) Create(ctx context.Context, db *gorm.DB, resource *T) error {
	return db.WithContext(ctx).Create(resource).Error
}

func (Store[T]) Save(ctx context.Context, db *gorm.DB, resource *T) error {
	return db.WithContext(ctx).Save(resource).Error
}

func (Store[T]) Count(ctx context.Context, db *gorm.DB, query string, args ...any) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(new(T)).Where(query, args...).Count(&count).Error
	return count, err
}
