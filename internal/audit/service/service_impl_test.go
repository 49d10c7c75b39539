package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/audit/repository"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flakyRepo fails the first n inserts, then delegates.
type flakyRepo struct {
	auditdomain.Repository
	failures atomic.Int32
}

func (r *flakyRepo) Insert(ctx context.Context, db *gorm.DB, entry *auditdomain.AuditLog) error {
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		return errors.New("connection reset")
	}
	return r.Repository.Insert(ctx, db, entry)
}

func newTestService(t *testing.T, repo auditdomain.Repository, auditCfg config.AuditConfig) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.Node(t),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Config: config.Config{Audit: auditCfg},
		Repo:   repo,
	})
	return svc, db
}

func countLogs(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Count(&n).Error)
	return n
}

func TestRecordResolvesActorAndRequestFromContext(t *testing.T) {
	svc, db := newTestService(t, repository.Provide(), config.AuditConfig{})

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, obscontext.Actor{Type: "admin", ID: "ops-7"})

	svc.Record(ctx, auditdomain.Entry{
		Action:       "order.refunded",
		ResourceType: "order",
		ResourceID:   "42",
		OldValue:     map[string]any{"status": "verified"},
		NewValue:     map[string]any{"status": "refunded"},
		Metadata:     map[string]any{"receipt": "steam-ticket-0123456789", "manual": true},
	})

	var row auditdomain.AuditLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "admin", row.ActorType)
	require.NotNil(t, row.ActorID)
	assert.Equal(t, "ops-7", *row.ActorID)
	require.NotNil(t, row.RequestID)
	assert.Equal(t, "req-1", *row.RequestID)
	assert.JSONEq(t, `{"status":"refunded"}`, string(row.NewValue))
	assert.Equal(t, "****6789", row.Metadata["receipt"])
	assert.Equal(t, true, row.Metadata["manual"])
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc, db := newTestService(t, repository.Provide(), config.AuditConfig{})

	svc.Record(context.Background(), auditdomain.Entry{Action: "entitlement.granted", ResourceType: "entitlement"})

	var row auditdomain.AuditLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "system", row.ActorType)
	assert.Nil(t, row.ActorID)
	assert.Nil(t, row.OldValue)
}

func TestRecordSpoolsFailedWritesAndRetries(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.failures.Store(2)
	svc, db := newTestService(t, repo, config.AuditConfig{MaxRetries: 5})

	assert.NotPanics(t, func() {
		svc.Record(context.Background(), auditdomain.Entry{Action: "order.refunded", ResourceType: "order"})
	})
	assert.EqualValues(t, 0, countLogs(t, db))

	assert.Equal(t, 1, svc.Drain(context.Background()))
	assert.Equal(t, 0, svc.Drain(context.Background()))
	assert.EqualValues(t, 1, countLogs(t, db))
}

func TestSpoolDropsAfterMaxRetries(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.failures.Store(100)
	svc, db := newTestService(t, repo, config.AuditConfig{MaxRetries: 2})

	svc.Record(context.Background(), auditdomain.Entry{Action: "order.refunded", ResourceType: "order"})
	assert.Equal(t, 1, svc.Drain(context.Background()))
	assert.Equal(t, 0, svc.Drain(context.Background()))
	assert.EqualValues(t, 0, countLogs(t, db))
}

func TestSpoolFullDropsRecord(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.failures.Store(100)
	svc, _ := newTestService(t, repo, config.AuditConfig{SpoolSize: 1})

	svc.Record(context.Background(), auditdomain.Entry{Action: "a", ResourceType: "order"})
	svc.Record(context.Background(), auditdomain.Entry{Action: "b", ResourceType: "order"})

	assert.Len(t, svc.spool.queue, 1)
}

func TestSpoolStopFlushes(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.failures.Store(1)
	svc, db := newTestService(t, repo, config.AuditConfig{RetryInterval: time.Hour})

	svc.spool.start()
	svc.Record(context.Background(), auditdomain.Entry{Action: "order.refunded", ResourceType: "order"})
	svc.spool.stop(context.Background())

	assert.EqualValues(t, 1, countLogs(t, db))
}

func TestListPaginates(t *testing.T) {
	svc, _ := newTestService(t, repository.Provide(), config.AuditConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Record(ctx, auditdomain.Entry{Action: "entitlement.granted", ResourceType: "entitlement"})
	}
	svc.Record(ctx, auditdomain.Entry{Action: "order.refunded", ResourceType: "order"})

	req := auditdomain.ListAuditLogRequest{Action: "entitlement.granted"}
	req.PageSize = 2
	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Less(t, int64(second.AuditLogs[0].ID), int64(first.AuditLogs[1].ID))
}

func TestListRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, repository.Provide(), config.AuditConfig{})

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-token"},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
