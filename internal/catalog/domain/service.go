package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type CreateRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name" binding:"required"`
	Kind     Kind   `json:"kind" binding:"required"`
	Quantity int64  `json:"quantity"`
}

type UpdateRequest struct {
	Name     *string `json:"name"`
	Kind     *Kind   `json:"kind"`
	Quantity *int64  `json:"quantity"`
	IsActive *bool   `json:"is_active"`
}

type Service interface {
	Get(ctx context.Context, id string) (*SKU, error)
	// GetActive resolves a SKU that may be granted right now.
	GetActive(ctx context.Context, id string) (*SKU, error)
	// GetTx reads a SKU through the caller's transaction, bypassing caches.
	GetTx(ctx context.Context, tx *gorm.DB, id string) (*SKU, error)
	Create(ctx context.Context, req CreateRequest) (*SKU, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*SKU, error)
	SetActive(ctx context.Context, id string, active bool) (*SKU, error)
	List(ctx context.Context, activeOnly bool) ([]SKU, error)
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, id string) (*SKU, error)
	Insert(ctx context.Context, db *gorm.DB, sku *SKU) error
	Update(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]SKU, error)
	Referenced(ctx context.Context, db *gorm.DB, id string) (bool, error)
}

var (
	ErrSKUNotFound     = errors.New("sku_not_found")
	ErrSKUInactive     = errors.New("sku_inactive")
	ErrSKUExists       = errors.New("sku_already_exists")
	ErrSKUImmutable    = errors.New("sku_immutable")
	ErrInvalidKind     = errors.New("invalid_sku_kind")
	ErrInvalidName     = errors.New("invalid_sku_name")
	ErrInvalidQuantity = errors.New("invalid_sku_quantity")
)
