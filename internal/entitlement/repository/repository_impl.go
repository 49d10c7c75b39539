package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindOrderByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return takeOrder(conn.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindOrderByKey(ctx context.Context, conn *gorm.DB, key string) (*domain.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return takeOrder(conn.WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *repo) FindOrderByProviderRef(ctx context.Context, conn *gorm.DB, provider, providerOrderID string) (*domain.Order, error) {
	return takeOrder(conn.WithContext(ctx).
		Where("provider = ? AND provider_order_id = ?", strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerOrderID)))
}

func (r *repo) LockOrder(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return takeOrder(db.ForUpdate(conn.WithContext(ctx)).Where("id = ?", id))
}

// UpdateOrderStatus applies fields only while the order is still in from.
func (r *repo) UpdateOrderStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, from domain.OrderStatus, fields map[string]any) (int64, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	return takeEntitlement(conn.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, conn *gorm.DB, key string) (*domain.Entitlement, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return takeEntitlement(conn.WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *repo) FindByOrder(ctx context.Context, conn *gorm.DB, orderID snowflake.ID) (*domain.Entitlement, error) {
	return takeEntitlement(conn.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc"))
}

func (r *repo) FindActiveDurable(ctx context.Context, conn *gorm.DB, userID, skuID string) (*domain.Entitlement, error) {
	return takeEntitlement(conn.WithContext(ctx).
		Where("user_id = ? AND sku_id = ? AND status = ? AND durable = ?", userID, skuID, string(domain.StatusActive), true))
}

func (r *repo) ListByOrder(ctx context.Context, conn *gorm.DB, orderID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	if err := conn.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListActiveByUser(ctx context.Context, conn *gorm.DB, userID string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := conn.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(domain.StatusActive)).
		Order("granted_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LockByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	return takeEntitlement(db.ForUpdate(conn.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) LockActiveByOrder(ctx context.Context, conn *gorm.DB, orderID snowflake.ID, skuID string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("order_id = ? AND sku_id = ? AND status = ?", orderID, skuID, string(domain.StatusActive)).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Revoke only touches active rows so a concurrent revocation is observed as
// zero rows affected.
func (r *repo) Revoke(ctx context.Context, conn *gorm.DB, id snowflake.ID, reason domain.RevocationReason, at time.Time) (int64, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Entitlement{}).
		Where("id = ? AND status = ?", id, string(domain.StatusActive)).
		Updates(map[string]any{
			"status":            string(domain.StatusRevoked),
			"revoked_at":        at,
			"revocation_reason": string(reason),
			"updated_at":        at,
		})
	return res.RowsAffected, res.Error
}

func takeOrder(stmt *gorm.DB) (*domain.Order, error) {
	var order domain.Order
	if err := stmt.Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func takeEntitlement(stmt *gorm.DB) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	if err := stmt.Take(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ent, nil
}
