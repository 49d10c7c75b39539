package service_test

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/cache"
	"github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/internal/catalog/repository"
	"github.com/smallbiznis/commerce/internal/catalog/service"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type captureRecorder struct {
	entries []auditdomain.Entry
}

func (c *captureRecorder) Record(_ context.Context, entry auditdomain.Entry) {
	c.entries = append(c.entries, entry)
}

func newCatalog(t *testing.T) (domain.Service, *gorm.DB, *captureRecorder) {
	t.Helper()
	db := testutil.NewDB(t)
	rec := &captureRecorder{}
	svc := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:     repository.Provide(),
		Cache:    cache.NewCatalogCache(),
		AuditSvc: rec,
	})
	return svc, db, rec
}

func TestCreateDerivesCodeFromName(t *testing.T) {
	svc, _, rec := newCatalog(t)

	sku, err := svc.Create(context.Background(), domain.CreateRequest{
		Name:     "Gold Pack",
		Kind:     domain.KindConsumable,
		Quantity: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "gold_pack", sku.ID)
	assert.True(t, sku.IsActive)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "sku.created", rec.entries[0].Action)

	_, err = svc.Create(context.Background(), domain.CreateRequest{Name: "Gold Pack", Kind: domain.KindConsumable})
	assert.ErrorIs(t, err, domain.ErrSKUExists)
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newCatalog(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateRequest{Name: " ", Kind: domain.KindDurable})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = svc.Create(ctx, domain.CreateRequest{Name: "Sword", Kind: "weapon"})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = svc.Create(ctx, domain.CreateRequest{Name: "Sword", Kind: domain.KindDurable, Quantity: -2})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	sku, err := svc.Create(ctx, domain.CreateRequest{Name: "Sword", Kind: domain.KindDurable})
	require.NoError(t, err)
	assert.EqualValues(t, 1, sku.Quantity)
}

func TestGetActiveRejectsMissingAndInactive(t *testing.T) {
	svc, _, _ := newCatalog(t)
	ctx := context.Background()

	_, err := svc.GetActive(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrSKUNotFound)

	_, err = svc.Create(ctx, domain.CreateRequest{ID: "sword", Name: "Sword", Kind: domain.KindDurable})
	require.NoError(t, err)

	sku, err := svc.GetActive(ctx, "sword")
	require.NoError(t, err)
	assert.Equal(t, domain.KindDurable, sku.Kind)

	_, err = svc.SetActive(ctx, "sword", false)
	require.NoError(t, err)

	_, err = svc.GetActive(ctx, "sword")
	assert.ErrorIs(t, err, domain.ErrSKUInactive)
}

func TestUpdateFreezesKindOnceOrdered(t *testing.T) {
	svc, db, _ := newCatalog(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateRequest{ID: "gold_pack", Name: "Gold Pack", Kind: domain.KindConsumable, Quantity: 100})
	require.NoError(t, err)

	quantity := int64(50)
	updated, err := svc.Update(ctx, "gold_pack", domain.UpdateRequest{Quantity: &quantity})
	require.NoError(t, err)
	assert.EqualValues(t, 50, updated.Quantity)

	now := time.Now().UTC()
	require.NoError(t, db.Exec(`INSERT INTO orders (id, user_id, sku_id, provider, provider_order_id, status, idempotency_key, created_at, updated_at)
		VALUES (1, 'u1', 'gold_pack', 'steam', 'o1', 'verified', 'k1', ?, ?)`, now, now).Error)

	quantity = 10
	_, err = svc.Update(ctx, "gold_pack", domain.UpdateRequest{Quantity: &quantity})
	assert.ErrorIs(t, err, domain.ErrSKUImmutable)

	name := "Gold Pack (Legacy)"
	updated, err = svc.Update(ctx, "gold_pack", domain.UpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.EqualValues(t, 50, updated.Quantity)
}

func TestListActiveOnly(t *testing.T) {
	svc, _, _ := newCatalog(t)
	ctx := context.Background()

	for _, name := range []string{"Alpha", "Beta"} {
		_, err := svc.Create(ctx, domain.CreateRequest{Name: name, Kind: domain.KindDurable})
		require.NoError(t, err)
	}
	_, err := svc.SetActive(ctx, "beta", false)
	require.NoError(t, err)

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alpha", active[0].ID)
}
