package cache

import (
	"testing"
	"time"

	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
)

func TestCatalogCacheSetGetInvalidate(t *testing.T) {
	c := newCatalogCache(8, time.Minute)

	_, ok := c.GetSKU("gold_pack")
	assert.False(t, ok)

	c.SetSKU(catalogdomain.SKU{ID: "gold_pack", Kind: catalogdomain.KindConsumable, Quantity: 100})
	sku, ok := c.GetSKU(" GOLD_PACK ")
	assert.True(t, ok)
	assert.EqualValues(t, 100, sku.Quantity)

	c.InvalidateSKU("gold_pack")
	_, ok = c.GetSKU("gold_pack")
	assert.False(t, ok)
}

func TestCatalogCacheExpires(t *testing.T) {
	c := newCatalogCache(8, 10*time.Millisecond)
	c.SetSKU(catalogdomain.SKU{ID: "sword"})

	assert.Eventually(t, func() bool {
		_, ok := c.GetSKU("sword")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
