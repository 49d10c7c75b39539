package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusVerified OrderStatus = "verified"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// CanTransition reports whether an order may move from one status to another.
// Orders only move forward.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return to == OrderStatusVerified || to == OrderStatusFailed
	case OrderStatusVerified:
		return to == OrderStatusRefunded
	default:
		return false
	}
}

// Order is one purchase transaction reported by a payment provider.
type Order struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"type:text;not null" json:"user_id"`
	SKUID           string          `gorm:"column:sku_id;type:text;not null" json:"sku_id"`
	Provider        string          `gorm:"type:text;not null" json:"provider"`
	ProviderOrderID string          `gorm:"type:text;not null" json:"provider_order_id"`
	Amount          decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	Currency        string          `gorm:"type:text;not null" json:"currency"`
	Status          OrderStatus     `gorm:"type:text;not null" json:"status"`
	IdempotencyKey  string          `gorm:"type:text;not null" json:"idempotency_key"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

type RevocationReason string

const (
	RevocationRefund RevocationReason = "refund"
	RevocationBan    RevocationReason = "ban"
	RevocationManual RevocationReason = "manual"
)

func (r RevocationReason) Valid() bool {
	switch r {
	case RevocationRefund, RevocationBan, RevocationManual:
		return true
	default:
		return false
	}
}

// Entitlement grants a user access to a SKU. Durable is copied from the SKU
// kind at grant time and backs the one-active-owner index.
type Entitlement struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID           string            `gorm:"type:text;not null" json:"user_id"`
	SKUID            string            `gorm:"column:sku_id;type:text;not null" json:"sku_id"`
	OrderID          *snowflake.ID     `json:"order_id,omitempty"`
	Durable          bool              `gorm:"not null" json:"durable"`
	Status           Status            `gorm:"type:text;not null" json:"status"`
	IdempotencyKey   string            `gorm:"type:text;not null" json:"idempotency_key"`
	Quantity         int64             `gorm:"not null" json:"quantity"`
	GrantedAt        time.Time         `gorm:"not null" json:"granted_at"`
	RevokedAt        *time.Time        `json:"revoked_at,omitempty"`
	RevocationReason *RevocationReason `gorm:"type:text" json:"revocation_reason,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e Entitlement) Active() bool { return e.Status == StatusActive }
