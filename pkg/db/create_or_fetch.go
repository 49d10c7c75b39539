package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Result reports whether a row was inserted by this call or already existed.
type Result[T any] struct {
	Created bool
	Row     *T
}

// CreateOrFetch inserts row, skipping on any unique conflict. When the insert
// did not take effect, fetch returns the row that won the race.
//
// A conflicting row that fetch cannot see (its writer committed after this
// transaction's snapshot) yields ErrRetryable so RunInTx replays with a fresh
// snapshot.
func CreateOrFetch[T any](ctx context.Context, tx *gorm.DB, row *T, fetch func(tx *gorm.DB) (*T, error)) (Result[T], error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil && !IsDuplicateKeyErr(res.Error) {
		return Result[T]{}, res.Error
	}
	if res.Error == nil && res.RowsAffected > 0 {
		return Result[T]{Created: true, Row: row}, nil
	}

	existing, err := fetch(tx.WithContext(ctx))
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Result[T]{}, fmt.Errorf("%w: fetch after conflict: %w", ErrRetryable, err)
	}
	if existing == nil {
		return Result[T]{}, fmt.Errorf("%w: conflicting row not visible", ErrRetryable)
	}
	return Result[T]{Created: false, Row: existing}, nil
}
