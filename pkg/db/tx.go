package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/commerce/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
)

// TxFunc is the body of a scoped transaction. It must only touch the
// database through tx.
type TxFunc func(tx *gorm.DB) error

// RetryObserver is notified each time a transaction is replayed.
type RetryObserver interface {
	ObserveTxRetry(err error)
}

type txOptions struct {
	isolation   sql.IsolationLevel
	maxAttempts int
	backoff     time.Duration
	onRetry     func(attempt int, err error)
}

type TxOption func(*txOptions)

func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(o *txOptions) { o.isolation = level }
}

func WithMaxAttempts(n int) TxOption {
	return func(o *txOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) TxOption {
	return func(o *txOptions) { o.backoff = d }
}

func WithRetryHook(fn func(attempt int, err error)) TxOption {
	return func(o *txOptions) { o.onRetry = fn }
}

// RunInTx begins a transaction, passes it to fn and commits when fn returns nil.
// Any error or panic rolls back. Serialization failures and errors wrapping
// ErrRetryable replay fn from scratch; once attempts are exhausted the last
// error is returned wrapped in ErrTransient.
func RunInTx(ctx context.Context, db *gorm.DB, fn TxFunc, opts ...TxOption) error {
	o := txOptions{maxAttempts: defaultMaxAttempts, backoff: defaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}

	var txOpts []*sql.TxOptions
	if o.isolation != sql.LevelDefault {
		txOpts = append(txOpts, &sql.TxOptions{Isolation: o.isolation})
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		lastErr = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx)
		}, txOpts...)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == o.maxAttempts {
			break
		}
		if o.onRetry != nil {
			o.onRetry(attempt, lastErr)
		}

		wait := time.Duration(attempt) * o.backoff
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%w: %d attempts: %w", ErrTransient, o.maxAttempts, lastErr)
}

// Runner carries the service-wide transaction settings.
type Runner struct {
	db       *gorm.DB
	log      *zap.Logger
	policy   *config.PolicyHolder
	level    sql.IsolationLevel
	backoff  time.Duration
	observer RetryObserver
}

type RunnerConfig struct {
	Isolation string
	Backoff   time.Duration
}

func NewRunner(db *gorm.DB, cfg RunnerConfig, policy *config.PolicyHolder, log *zap.Logger, observer RetryObserver) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Runner{
		db:       db,
		log:      log.Named("db.tx"),
		policy:   policy,
		level:    ParseIsolation(cfg.Isolation),
		backoff:  backoff,
		observer: observer,
	}
}

func (r *Runner) DB() *gorm.DB {
	return r.db
}

func (r *Runner) Run(ctx context.Context, fn TxFunc) error {
	attempts := defaultMaxAttempts
	if r.policy != nil {
		attempts = r.policy.Get().TxMaxAttempts
	}
	return RunInTx(ctx, r.db, fn,
		WithIsolation(r.level),
		WithMaxAttempts(attempts),
		WithBackoff(r.backoff),
		WithRetryHook(func(attempt int, err error) {
			r.log.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
			if r.observer != nil {
				r.observer.ObserveTxRetry(err)
			}
		}),
	)
}

// ParseIsolation maps a config value such as "repeatable_read" to a level.
// Unknown or empty values leave the driver default in place.
func ParseIsolation(value string) sql.IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(value, " ", "_"))) {
	case "read_committed":
		return sql.LevelReadCommitted
	case "repeatable_read":
		return sql.LevelRepeatableRead
	case "serializable":
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}
