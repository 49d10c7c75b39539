package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/commerce/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/commerce/internal/catalog/service"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/commerce/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/commerce/internal/entitlement/service"
	"github.com/smallbiznis/commerce/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/commerce/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/commerce/internal/ledger/service"
	"github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/internal/refund/service"
	"github.com/smallbiznis/commerce/internal/seed"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	svc          domain.Service
	entitlements entitlementdomain.Service
	ledger       ledgerdomain.Service
	audit        *testutil.AuditRecorder
	policy       *config.PolicyHolder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	require.NoError(t, seed.EnsureCatalog(gdb, append(seed.DevCatalog(),
		catalogdomain.SKU{ID: "gem_single", Name: "Single Gem", Kind: catalogdomain.KindConsumable, Quantity: 1},
		catalogdomain.SKU{ID: "gem_five", Name: "Five Gems", Kind: catalogdomain.KindConsumable, Quantity: 5},
	)))
	client, _ := testutil.NewRedis(t)

	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := config.StaticPolicy(config.Policy{
		IdempotencyTTL:  time.Hour,
		WebhookLockTTL:  time.Minute,
		TxMaxAttempts:   5,
		ManualRefundsOn: true,
	})
	runner := db.NewRunner(gdb, db.RunnerConfig{}, policy, zap.NewNop(), nil)
	rec := &testutil.AuditRecorder{}

	catalog := catalogservice.NewService(catalogservice.Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  catalogrepo.Provide(),
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     gdb,
		Runner: runner,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Repo:   ledgerrepo.Provide(),
	})
	entitlements := entitlementservice.NewService(entitlementservice.Params{
		DB:      gdb,
		Runner:  runner,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    entitlementrepo.Provide(),
		Catalog: catalog,
		Ledger:  ledger,
		Coordinator: idempotency.NewCoordinator(idempotency.Params{
			Redis: client,
			Log:   zap.NewNop(),
		}),
	})

	return &fixture{
		db:           gdb,
		entitlements: entitlements,
		ledger:       ledger,
		audit:        rec,
		policy:       policy,
		svc: service.NewService(service.Params{
			Runner:       runner,
			Log:          zap.NewNop(),
			Clock:        clk,
			Entitlements: entitlements,
			Ledger:       ledger,
			Policy:       policy,
			AuditSvc:     rec,
		}),
	}
}

func (f *fixture) grant(t *testing.T, user, sku, providerOrderID string) entitlementdomain.Entitlement {
	t.Helper()
	res, err := f.entitlements.Grant(context.Background(), entitlementdomain.GrantRequest{
		UserID: user,
		SKUID:  sku,
		Order: &entitlementdomain.OrderRef{
			Provider:        "steam",
			ProviderOrderID: providerOrderID,
			Amount:          decimal.RequireFromString("9.99"),
			Currency:        "USD",
		},
		IdempotencyKey: "steam:" + providerOrderID,
	})
	require.NoError(t, err)
	return res.Entitlement
}

func (f *fixture) spend(t *testing.T, id snowflake.ID, qty int64) {
	t.Helper()
	_, err := f.ledger.Spend(context.Background(), ledgerdomain.SpendRequest{EntitlementID: id, Quantity: qty})
	require.NoError(t, err)
}

func (f *fixture) clawbacks(t *testing.T, id snowflake.ID) []ledgerdomain.Entry {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), id)
	require.NoError(t, err)
	var out []ledgerdomain.Entry
	for _, e := range entries {
		if e.ChangeType == ledgerdomain.ChangeTypeClawback {
			out = append(out, e)
		}
	}
	return out
}

func steamRef(id string) entitlementdomain.OrderRef {
	return entitlementdomain.OrderRef{Provider: "steam", ProviderOrderID: id}
}

func TestRefundUnspentConsumableRevokesWithoutDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gold_pack", "O1")
	f.spend(t, ent.ID, 95)

	res, err := f.svc.Refund(ctx, domain.Request{
		Order: steamRef("O1"),
		Items: []domain.Item{{SKUID: "gold_pack", Quantity: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, res.Status)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, domain.ActionRevoked, res.Decisions[0].Action)
	assert.EqualValues(t, 5, res.Decisions[0].Remaining)

	assert.Empty(t, f.clawbacks(t, ent.ID))
	got, err := f.entitlements.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusRevoked, got.Status)
	require.NotNil(t, got.RevocationReason)
	assert.Equal(t, entitlementdomain.RevocationRefund, *got.RevocationReason)

	order, err := f.entitlements.FindOrder(ctx, steamRef("O1"))
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.OrderStatusRefunded, order.Status)
	require.NotNil(t, order.RefundedAt)
	assert.Equal(t, 1, f.audit.Count("order.refunded"))
}

func TestRefundSpentConsumableRecordsDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gold_pack", "O1")
	f.spend(t, ent.ID, 100)

	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1")})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.Equal(t, domain.ActionClawback, d.Action)
	assert.EqualValues(t, 100, d.Quantity)
	require.NotNil(t, d.BalanceAfter)
	assert.EqualValues(t, -100, *d.BalanceAfter)

	claws := f.clawbacks(t, ent.ID)
	require.Len(t, claws, 1)
	assert.EqualValues(t, -100, claws[0].Quantity)
	assert.EqualValues(t, -100, claws[0].BalanceAfter)
	require.NotNil(t, claws[0].OrderID)
	assert.Equal(t, res.OrderID, *claws[0].OrderID)

	debt, err := f.ledger.Debt(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, debt.TotalDebt)
	require.NoError(t, f.ledger.Verify(ctx, ent.ID))
}

func TestRefundBeforeAnySpendKeepsNoDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gem_five", "O5")
	require.EqualValues(t, 5, ent.Quantity)

	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O5"), Items: []domain.Item{{SKUID: "gem_five", Quantity: 5}}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.Equal(t, domain.ActionRevoked, d.Action)
	assert.EqualValues(t, 5, d.Remaining)
	assert.EqualValues(t, 5, d.Quantity)
	assert.Nil(t, d.BalanceAfter)

	assert.Empty(t, f.clawbacks(t, ent.ID))
	debt, err := f.ledger.Debt(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, debt.TotalDebt)
}

func TestRefundSingleSpentUnitClawsBackOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gem_single", "O1")
	f.spend(t, ent.ID, 1)

	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "gem_single", Quantity: 1}}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, domain.ActionClawback, res.Decisions[0].Action)
	assert.Zero(t, res.Decisions[0].Remaining)

	claws := f.clawbacks(t, ent.ID)
	require.Len(t, claws, 1)
	assert.EqualValues(t, -1, claws[0].Quantity)
	assert.EqualValues(t, -1, claws[0].BalanceAfter)

	debt, err := f.ledger.Debt(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, debt.TotalDebt)
	require.NoError(t, f.ledger.Verify(ctx, ent.ID))
}

func TestRefundRejectsQuantityAboveGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gold_pack", "O1")
	f.spend(t, ent.ID, 100)

	_, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "gold_pack", Quantity: 1000000}}})
	assert.ErrorIs(t, err, domain.ErrInvalidItem)

	assert.Empty(t, f.clawbacks(t, ent.ID))
	got, err := f.entitlements.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.StatusActive, got.Status)
	order, err := f.entitlements.FindOrder(ctx, steamRef("O1"))
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.OrderStatusVerified, order.Status)
	assert.Zero(t, f.audit.Count("order.refunded"))

	// The full granted quantity is still refundable.
	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "gold_pack", Quantity: 100}}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, res.Status)
}

func TestRefundDurableRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "starter_bundle", "O1")

	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "starter_bundle", Quantity: 1}}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, domain.ActionRevoked, res.Decisions[0].Action)

	active, err := f.entitlements.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	entries, err := f.ledger.Entries(ctx, ent.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRefundTwiceIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gold_pack", "O1")
	f.spend(t, ent.ID, 100)
	req := domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "gold_pack", Quantity: 100}}}

	first, err := f.svc.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, first.Status)

	second, err := f.svc.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, second.Status)
	assert.Empty(t, second.Decisions)

	assert.Len(t, f.clawbacks(t, ent.ID), 1)
	assert.Equal(t, 1, f.audit.Count("order.refunded"))
}

func TestConcurrentDuplicateRefundsClawBackOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ent := f.grant(t, "u1", "gold_pack", "O1")
	f.spend(t, ent.ID, 100)

	req := domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: "gold_pack", Quantity: 100}}}
	statuses := make([]domain.Status, 2)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Refund(ctx, req)
			if assert.NoError(t, err) {
				statuses[i] = res.Status
			}
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []domain.Status{domain.StatusProcessed, domain.StatusSkipped}, statuses)

	claws := f.clawbacks(t, ent.ID)
	require.Len(t, claws, 1)
	assert.EqualValues(t, -100, claws[0].Quantity)
	assert.EqualValues(t, -100, claws[0].BalanceAfter)

	order, err := f.entitlements.FindOrder(ctx, steamRef("O1"))
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.OrderStatusRefunded, order.Status)
	assert.Equal(t, 1, f.audit.Count("order.refunded"))
	require.NoError(t, f.ledger.Verify(ctx, ent.ID))
}

func TestManualRefundConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "u1", "gold_pack", "O1")

	res, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Manual: true, Reason: "chargeback"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, res.Status)
	assert.Equal(t, "chargeback", f.audit.Entries()[len(f.audit.Entries())-1].Metadata["reason"])

	_, err = f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Manual: true})
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyRefunded)
}

func TestManualRefundsCanBeDisabled(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", "gold_pack", "O1")
	disabled := service.NewService(service.Params{
		Runner:       db.NewRunner(f.db, db.RunnerConfig{}, nil, zap.NewNop(), nil),
		Log:          zap.NewNop(),
		Clock:        clock.New(),
		Entitlements: f.entitlements,
		Ledger:       f.ledger,
		Policy:       config.StaticPolicy(config.Policy{TxMaxAttempts: 1}),
	})

	_, err := disabled.Refund(context.Background(), domain.Request{Order: steamRef("O1"), Manual: true})
	assert.ErrorIs(t, err, domain.ErrManualRefundsDisabled)
}

func TestRefundRejectsUnknownOrNonRefundableOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, domain.Request{Order: steamRef("missing")})
	assert.ErrorIs(t, err, entitlementdomain.ErrOrderNotFound)

	_, err = f.svc.Refund(ctx, domain.Request{Order: steamRef("O1"), Items: []domain.Item{{SKUID: " "}}})
	assert.ErrorIs(t, err, domain.ErrInvalidItem)

	f.grant(t, "u1", "gold_pack", "O2")
	require.NoError(t, f.db.Exec("UPDATE orders SET status = 'pending'").Error)
	_, err = f.svc.Refund(ctx, domain.Request{Order: steamRef("O2")})
	assert.ErrorIs(t, err, domain.ErrOrderNotRefundable)
}

func TestRefundItemWithoutEntitlementIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "u1", "gold_pack", "O1")

	res, err := f.svc.Refund(context.Background(), domain.Request{
		Order: steamRef("O1"),
		Items: []domain.Item{{SKUID: "season_pass", Quantity: 1}, {SKUID: "gold_pack"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, domain.ActionNone, res.Decisions[0].Action)
	assert.Equal(t, domain.ActionRevoked, res.Decisions[1].Action)
	assert.EqualValues(t, 100, res.Decisions[1].Quantity)
}
