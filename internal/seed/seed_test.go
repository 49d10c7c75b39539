package seed

import (
	"testing"

	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCatalogIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)

	require.NoError(t, EnsureCatalog(db, DevCatalog()))
	require.NoError(t, db.Model(&catalogdomain.SKU{}).Where("id = ?", "gold_pack").Update("name", "Renamed").Error)
	require.NoError(t, EnsureCatalog(db, DevCatalog()))

	var skus []catalogdomain.SKU
	require.NoError(t, db.Order("id").Find(&skus).Error)
	assert.Len(t, skus, 3)

	var gold catalogdomain.SKU
	require.NoError(t, db.Where("id = ?", "gold_pack").Take(&gold).Error)
	assert.Equal(t, "Renamed", gold.Name)
	assert.EqualValues(t, 100, gold.Quantity)
	assert.True(t, gold.IsActive)
}
