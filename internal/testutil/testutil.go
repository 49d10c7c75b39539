// Package testutil builds in-memory infrastructure for package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE skus (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 1,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE orders (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		sku_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_order_id TEXT NOT NULL,
		amount NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		verified_at DATETIME,
		refunded_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_orders_idempotency_key ON orders(idempotency_key)`,
	`CREATE UNIQUE INDEX ux_orders_provider_order ON orders(provider, provider_order_id)`,
	`CREATE TABLE entitlements (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		sku_id TEXT NOT NULL,
		order_id BIGINT,
		durable BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 1,
		granted_at DATETIME NOT NULL,
		revoked_at DATETIME,
		revocation_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_entitlements_idempotency_key ON entitlements(idempotency_key)`,
	`CREATE UNIQUE INDEX ux_entitlements_active_durable ON entitlements(user_id, sku_id) WHERE status = 'active' AND durable`,
	`CREATE TABLE ledger_entries (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		sku_id TEXT NOT NULL,
		entitlement_id BIGINT NOT NULL,
		sequence BIGINT NOT NULL,
		change_type TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		order_id BIGINT,
		idempotency_key TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_ledger_entries_idempotency_key ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX ux_ledger_entries_sequence ON ledger_entries(entitlement_id, sequence)`,
	`CREATE TABLE webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_provider_event ON webhook_events(provider, event_id)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		old_value TEXT,
		new_value TEXT,
		metadata TEXT,
		request_id TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// NewDB opens a private in-memory sqlite database with the service schema.
// The pool holds a single connection so concurrent transactions queue
// instead of failing with SQLITE_BUSY.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// NewRedis starts a miniredis server bound to the test lifetime.
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func Node(t *testing.T) *snowflake.Node {
	t.Helper()

	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
