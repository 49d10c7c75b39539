package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type retryCounter struct{ n int }

func (r *retryCounter) ObserveTxRetry(error) { r.n++ }

func countSKUs(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Table("skus").Count(&n).Error)
	return n
}

func insertSKU(tx *gorm.DB, id string) error {
	now := time.Now().UTC()
	return tx.Exec(`INSERT INTO skus (id, name, kind, quantity, is_active, created_at, updated_at) VALUES (?, ?, 'durable', 1, TRUE, ?, ?)`,
		id, id, now, now).Error
}

func TestRunInTxCommitsOnSuccess(t *testing.T) {
	conn := testutil.NewDB(t)

	err := db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
		return insertSKU(tx, "sword")
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, countSKUs(t, conn))
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	conn := testutil.NewDB(t)
	boom := errors.New("boom")

	err := db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
		if err := insertSKU(tx, "sword"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, countSKUs(t, conn))
}

func TestRunInTxRollsBackOnPanic(t *testing.T) {
	conn := testutil.NewDB(t)

	assert.Panics(t, func() {
		_ = db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
			_ = insertSKU(tx, "sword")
			panic("kaboom")
		})
	})
	assert.EqualValues(t, 0, countSKUs(t, conn))
}

func TestRunInTxRetriesRetryableErrors(t *testing.T) {
	conn := testutil.NewDB(t)
	attempts := 0
	hooks := 0

	err := db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
		attempts++
		if err := insertSKU(tx, fmt.Sprintf("sku_%d", attempts)); err != nil {
			return err
		}
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	}, db.WithMaxAttempts(3), db.WithBackoff(time.Millisecond), db.WithRetryHook(func(int, error) { hooks++ }))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, hooks)
	assert.EqualValues(t, 1, countSKUs(t, conn))
}

func TestRunInTxExhaustionIsTransient(t *testing.T) {
	conn := testutil.NewDB(t)
	attempts := 0

	err := db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
		attempts++
		return fmt.Errorf("sequence taken: %w", db.ErrRetryable)
	}, db.WithMaxAttempts(2), db.WithBackoff(time.Millisecond))

	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, db.ErrTransient)
	assert.ErrorIs(t, err, db.ErrRetryable)
}

func TestRunInTxDoesNotRetryBusinessErrors(t *testing.T) {
	conn := testutil.NewDB(t)
	attempts := 0

	err := db.RunInTx(context.Background(), conn, func(tx *gorm.DB) error {
		attempts++
		return gorm.ErrRecordNotFound
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NotErrorIs(t, err, db.ErrTransient)
}

func TestRunnerUsesPolicyAttempts(t *testing.T) {
	conn := testutil.NewDB(t)
	policy := config.StaticPolicy(config.Policy{
		IdempotencyTTL: time.Hour,
		WebhookLockTTL: time.Minute,
		TxMaxAttempts:  4,
	})
	observer := &retryCounter{}
	runner := db.NewRunner(conn, db.RunnerConfig{Backoff: time.Millisecond}, policy, zap.NewNop(), observer)

	attempts := 0
	err := runner.Run(context.Background(), func(tx *gorm.DB) error {
		attempts++
		return db.ErrRetryable
	})

	assert.ErrorIs(t, err, db.ErrTransient)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 3, observer.n)
}

func TestParseIsolation(t *testing.T) {
	assert.Equal(t, sql.LevelRepeatableRead, db.ParseIsolation("repeatable_read"))
	assert.Equal(t, sql.LevelSerializable, db.ParseIsolation("SERIALIZABLE"))
	assert.Equal(t, sql.LevelReadCommitted, db.ParseIsolation("read committed"))
	assert.Equal(t, sql.LevelDefault, db.ParseIsolation(""))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, db.IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, db.IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, db.IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: skus.id")))
	assert.False(t, db.IsDuplicateKeyErr(errors.New("boom")))

	assert.True(t, db.IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, db.IsSerializationFailure(errors.New("ERROR: deadlock detected")))
	assert.True(t, db.IsSerializationFailure(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, db.IsSerializationFailure(&pgconn.PgError{Code: "23505"}))

	assert.True(t, db.IsRetryable(fmt.Errorf("wrapped: %w", db.ErrRetryable)))
}
