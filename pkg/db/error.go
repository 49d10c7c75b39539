package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrRetryable marks an error that should replay the whole transaction.
	ErrRetryable = errors.New("retryable_conflict")
	// ErrTransient is returned once retries are exhausted; callers may resend with the same key.
	ErrTransient = errors.New("transient_failure")
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSerializationFailure reports whether the database aborted the transaction
// because of a concurrent writer.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "could not serialize access"):
		return true
	case strings.Contains(msg, "deadlock detected"):
		return true
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return true
	}
	return false
}

// IsRetryable reports whether a transaction returning err may be replayed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || IsSerializationFailure(err)
}
