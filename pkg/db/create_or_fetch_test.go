package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type skuRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Kind      string
	Quantity  int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (skuRow) TableName() string { return "skus" }

func fetchSKU(id string) func(tx *gorm.DB) (*skuRow, error) {
	return func(tx *gorm.DB) (*skuRow, error) {
		var row skuRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
}

func TestCreateOrFetchCreatesThenFetches(t *testing.T) {
	conn := testutil.NewDB(t)
	ctx := context.Background()

	first := &skuRow{ID: "gold_pack", Name: "Gold Pack", Kind: "consumable", Quantity: 100, IsActive: true}
	res, err := db.CreateOrFetch(ctx, conn, first, fetchSKU("gold_pack"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Gold Pack", res.Row.Name)

	second := &skuRow{ID: "gold_pack", Name: "Impostor", Kind: "consumable", Quantity: 1, IsActive: true}
	res, err = db.CreateOrFetch(ctx, conn, second, fetchSKU("gold_pack"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "Gold Pack", res.Row.Name)
	assert.EqualValues(t, 100, res.Row.Quantity)
}

func TestCreateOrFetchInvisibleWinnerIsRetryable(t *testing.T) {
	conn := testutil.NewDB(t)
	ctx := context.Background()

	require.NoError(t, conn.Create(&skuRow{ID: "sword", Name: "Sword", Kind: "durable", Quantity: 1, IsActive: true}).Error)

	_, err := db.CreateOrFetch(ctx, conn, &skuRow{ID: "sword", Name: "Sword"}, func(tx *gorm.DB) (*skuRow, error) {
		return nil, gorm.ErrRecordNotFound
	})
	assert.ErrorIs(t, err, db.ErrRetryable)
}
