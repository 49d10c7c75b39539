package seed

import (
	"context"
	"errors"
	"time"

	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DevCatalog is the starter catalog for local and self-hosted environments.
func DevCatalog() []catalogdomain.SKU {
	return []catalogdomain.SKU{
		{ID: "gold_pack", Name: "Gold Pack", Kind: catalogdomain.KindConsumable, Quantity: 100},
		{ID: "starter_bundle", Name: "Starter Bundle", Kind: catalogdomain.KindDurable, Quantity: 1},
		{ID: "season_pass", Name: "Season Pass", Kind: catalogdomain.KindSubscription, Quantity: 1},
	}
}

// EnsureCatalog inserts the given SKUs, leaving existing rows untouched.
func EnsureCatalog(db *gorm.DB, skus []catalogdomain.SKU) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if len(skus) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]catalogdomain.SKU, 0, len(skus))
	for _, sku := range skus {
		sku.IsActive = true
		sku.CreatedAt = now
		sku.UpdatedAt = now
		rows = append(rows, sku)
	}

	return db.WithContext(context.Background()).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}
