package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
)

type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
)

// Action is what happened to one entitlement during a refund.
type Action string

const (
	ActionRevoked  Action = "revoked"
	ActionClawback Action = "clawback"
	ActionNone     Action = "none"
)

// Item is one refunded line. A zero Quantity means the quantity granted.
type Item struct {
	SKUID    string `json:"sku_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gte=0"`
}

type Request struct {
	Order  entitlementdomain.OrderRef `json:"order"`
	Items  []Item                     `json:"items"`
	Manual bool                       `json:"-"`
	Reason string                     `json:"reason,omitempty"`
}

type Decision struct {
	SKUID         string        `json:"sku_id"`
	EntitlementID *snowflake.ID `json:"entitlement_id,omitempty"`
	Action        Action        `json:"action"`
	Quantity      int64         `json:"quantity"`
	Remaining     int64         `json:"remaining"`
	BalanceAfter  *int64        `json:"balance_after,omitempty"`
}

type Result struct {
	OrderID   snowflake.ID `json:"order_id"`
	Status    Status       `json:"status"`
	Decisions []Decision   `json:"decisions,omitempty"`
}

type Service interface {
	// Refund reverses everything granted for an order in one transaction.
	// Automatic refunds of an already refunded order are skipped; manual ones
	// report ErrOrderAlreadyRefunded.
	Refund(ctx context.Context, req Request) (*Result, error)
}

var (
	ErrInvalidItem           = errors.New("invalid_refund_item")
	ErrOrderAlreadyRefunded  = errors.New("order_already_refunded")
	ErrOrderNotRefundable    = errors.New("order_not_refundable")
	ErrManualRefundsDisabled = errors.New("manual_refunds_disabled")
)
