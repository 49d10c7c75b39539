package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
)

const (
	defaultSKUTTL  = 30 * time.Second
	defaultSKUSize = 4096
)

// CatalogCache stores hot-path SKU lookups for grants and refunds.
type CatalogCache interface {
	GetSKU(id string) (catalogdomain.SKU, bool)
	SetSKU(sku catalogdomain.SKU)
	InvalidateSKU(id string)
}

type catalogCache struct {
	skus *expirable.LRU[string, catalogdomain.SKU]
}

func NewCatalogCache() CatalogCache {
	return newCatalogCache(defaultSKUSize, defaultSKUTTL)
}

func newCatalogCache(size int, ttl time.Duration) *catalogCache {
	return &catalogCache{
		skus: expirable.NewLRU[string, catalogdomain.SKU](size, nil, ttl),
	}
}

func (c *catalogCache) GetSKU(id string) (catalogdomain.SKU, bool) {
	return c.skus.Get(cacheKey(id))
}

func (c *catalogCache) SetSKU(sku catalogdomain.SKU) {
	if strings.TrimSpace(sku.ID) == "" {
		return
	}
	c.skus.Add(cacheKey(sku.ID), sku)
}

func (c *catalogCache) InvalidateSKU(id string) {
	c.skus.Remove(cacheKey(id))
}

func cacheKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
