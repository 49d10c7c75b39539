package scheduler_test

import (
	"context"
	"testing"
	"time"

	catalogrepo "github.com/smallbiznis/commerce/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/commerce/internal/catalog/service"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/commerce/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/commerce/internal/entitlement/service"
	"github.com/smallbiznis/commerce/internal/idempotency"
	ledgerrepo "github.com/smallbiznis/commerce/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/commerce/internal/ledger/service"
	refundservice "github.com/smallbiznis/commerce/internal/refund/service"
	"github.com/smallbiznis/commerce/internal/scheduler"
	"github.com/smallbiznis/commerce/internal/seed"
	signaldomain "github.com/smallbiznis/commerce/internal/signal/domain"
	signalrepo "github.com/smallbiznis/commerce/internal/signal/repository"
	signalservice "github.com/smallbiznis/commerce/internal/signal/service"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/smallbiznis/commerce/internal/webhooklock"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	clock   *clock.FakeClock
	signals signaldomain.Service
	sched   *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	require.NoError(t, seed.EnsureCatalog(gdb, seed.DevCatalog()))
	client, _ := testutil.NewRedis(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := config.StaticPolicy(config.Policy{
		IdempotencyTTL: time.Hour,
		WebhookLockTTL: time.Minute,
		TxMaxAttempts:  5,
	})
	runner := db.NewRunner(gdb, db.RunnerConfig{}, policy, zap.NewNop(), nil)

	catalog := catalogservice.NewService(catalogservice.Params{DB: gdb, Log: zap.NewNop(), Clock: clk, Repo: catalogrepo.Provide()})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: gdb, Runner: runner, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: ledgerrepo.Provide()})
	entitlements := entitlementservice.NewService(entitlementservice.Params{
		DB:          gdb,
		Runner:      runner,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        entitlementrepo.Provide(),
		Catalog:     catalog,
		Ledger:      ledger,
		Coordinator: idempotency.NewCoordinator(idempotency.Params{Redis: client, Log: zap.NewNop()}),
	})
	refunds := refundservice.NewService(refundservice.Params{
		Runner:       runner,
		Log:          zap.NewNop(),
		Clock:        clk,
		Entitlements: entitlements,
		Ledger:       ledger,
		Policy:       policy,
	})
	repo := signalrepo.Provide()
	signals := signalservice.NewIngestor(signalservice.Params{
		DB:           gdb,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repo,
		Locker:       webhooklock.NewLocker(webhooklock.Params{Policy: policy, Redis: client, Log: zap.NewNop()}),
		Refunds:      refunds,
		Entitlements: entitlements,
	})

	sched, err := scheduler.New(scheduler.Params{
		DB:      gdb,
		Log:     zap.NewNop(),
		Clock:   clk,
		Repo:    repo,
		Signals: signals,
		Config: scheduler.Config{
			RecoveryThreshold: 10 * time.Minute,
			MaxAge:            time.Hour,
		},
	})
	require.NoError(t, err)
	return &fixture{clock: clk, signals: signals, sched: sched}
}

func refund(eventID string) signaldomain.Envelope {
	return signaldomain.Envelope{
		Type:     signaldomain.TypeRefund,
		EventID:  eventID,
		Provider: "steam",
		Refund:   &signaldomain.RefundEvent{ProviderOrderID: "O1"},
	}
}

func purchase(eventID string) signaldomain.Envelope {
	return signaldomain.Envelope{
		Type:     signaldomain.TypePurchase,
		EventID:  eventID,
		Provider: "steam",
		Purchase: &signaldomain.PurchaseEvent{ProviderOrderID: "O1", UserID: "u1", SKUID: "gold_pack"},
	}
}

func TestSweepRedeliversStaleFailedSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The refund lands before the purchase and fails.
	_, err := f.signals.Handle(ctx, refund("evt-refund"))
	require.ErrorIs(t, err, entitlementdomain.ErrOrderNotFound)
	_, err = f.signals.Handle(ctx, purchase("evt-buy"))
	require.NoError(t, err)

	// Too fresh to sweep.
	res, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	f.clock.Advance(15 * time.Minute)
	res, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepResult{Scanned: 1, Processed: 1}, res)

	res, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestSweepAbandonsExpiredSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.signals.Handle(ctx, refund("evt-refund"))
	require.Error(t, err)

	f.clock.Advance(15 * time.Minute)
	res, err := f.sched.RunOnce(ctx)
	require.ErrorIs(t, err, entitlementdomain.ErrOrderNotFound)
	assert.Equal(t, 1, res.Failed)

	f.clock.Advance(2 * time.Hour)
	res, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}
