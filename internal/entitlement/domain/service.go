package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderRef identifies an order, either by id or by the provider's own id.
// Amount and Currency are only read when a grant creates the order.
type OrderRef struct {
	ID              snowflake.ID    `json:"id,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
}

type GrantRequest struct {
	UserID         string    `json:"user_id" binding:"required"`
	SKUID          string    `json:"sku_id" binding:"required"`
	Order          *OrderRef `json:"order,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type GrantResult struct {
	Entitlement  Entitlement `json:"entitlement"`
	Source       string      `json:"source"`
	AlreadyOwned bool        `json:"already_owned"`
}

type RevokeRequest struct {
	EntitlementID snowflake.ID     `json:"-"`
	Reason        RevocationReason `json:"reason" binding:"required"`
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*GrantResult, error)
	Get(ctx context.Context, id snowflake.ID) (*Entitlement, error)
	ListActive(ctx context.Context, userID string) ([]Entitlement, error)
	// Revoke is the operator path for ban and manual revocations.
	Revoke(ctx context.Context, req RevokeRequest) (*Entitlement, error)

	// The Tx methods run inside a caller-owned transaction.
	FindOrder(ctx context.Context, ref OrderRef) (*Order, error)
	LockOrderTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Order, error)
	TransitionOrderTx(ctx context.Context, tx *gorm.DB, order *Order, to OrderStatus, at time.Time) error
	LockActiveForOrderTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, skuID string) ([]Entitlement, error)
	GrantedForOrderTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) ([]Entitlement, error)
	RevokeTx(ctx context.Context, tx *gorm.DB, ent *Entitlement, reason RevocationReason, at time.Time) error
}

type Repository interface {
	FindOrderByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindOrderByKey(ctx context.Context, db *gorm.DB, key string) (*Order, error)
	FindOrderByProviderRef(ctx context.Context, db *gorm.DB, provider, providerOrderID string) (*Order, error)
	LockOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	UpdateOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from OrderStatus, fields map[string]any) (int64, error)

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Entitlement, error)
	FindByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Entitlement, error)
	FindActiveDurable(ctx context.Context, db *gorm.DB, userID, skuID string) (*Entitlement, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Entitlement, error)
	ListActiveByUser(ctx context.Context, db *gorm.DB, userID string) ([]Entitlement, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)
	LockActiveByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID, skuID string) ([]Entitlement, error)
	Revoke(ctx context.Context, db *gorm.DB, id snowflake.ID, reason RevocationReason, at time.Time) (int64, error)
}

var (
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidOrderRef       = errors.New("invalid_order_ref")
	ErrInvalidReason         = errors.New("invalid_revocation_reason")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrOrderMismatch         = errors.New("order_mismatch")
	ErrInvalidTransition     = errors.New("invalid_order_transition")
	ErrEntitlementNotFound   = errors.New("entitlement_not_found")
	ErrEntitlementNotActive  = errors.New("entitlement_not_active")
)
