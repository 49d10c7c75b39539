package repository

import (
	"context"

	"github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/pkg/db/option"
	"github.com/smallbiznis/commerce/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) store(db *gorm.DB) repository.Repository[domain.SKU] {
	return repository.ProvideStore[domain.SKU](db)
}

// Get returns nil, nil when the SKU does not exist.
func (r *repo) Get(ctx context.Context, db *gorm.DB, id string) (*domain.SKU, error) {
	return r.store(db).FindOne(ctx, &domain.SKU{ID: id})
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sku *domain.SKU) error {
	return r.store(db).Create(ctx, sku)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	_, err := r.store(db).Update(ctx, id, fields)
	return err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.SKU, error) {
	stmt := db.WithContext(ctx).Model(&domain.SKU{})
	if activeOnly {
		stmt = stmt.Where("is_active = ?", true)
	}
	stmt = option.WithSortBy(option.WithQuerySortBy("id", "asc", map[string]bool{
		"id": true,
	})).Apply(stmt)

	var items []domain.SKU
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Referenced(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Table("orders").Where("sku_id = ?", id).Limit(1).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
