package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChangeType classifies a balance change.
type ChangeType string

const (
	ChangeTypeGrant    ChangeType = "grant"
	ChangeTypeSpend    ChangeType = "spend"
	ChangeTypeRefund   ChangeType = "refund"
	ChangeTypeClawback ChangeType = "clawback"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeTypeGrant, ChangeTypeSpend, ChangeTypeRefund, ChangeTypeClawback:
		return true
	default:
		return false
	}
}

// Credit reports whether entries of this type must carry a positive quantity.
func (c ChangeType) Credit() bool {
	return c == ChangeTypeGrant || c == ChangeTypeRefund
}

// Entry is one immutable balance change. Replaying an entitlement's entries
// in sequence order reproduces every BalanceAfter.
type Entry struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID         string        `gorm:"type:text;not null" json:"user_id"`
	SKUID          string        `gorm:"column:sku_id;type:text;not null" json:"sku_id"`
	EntitlementID  snowflake.ID  `gorm:"not null" json:"entitlement_id"`
	Sequence       int64         `gorm:"not null" json:"sequence"`
	ChangeType     ChangeType    `gorm:"type:text;not null" json:"change_type"`
	Quantity       int64         `gorm:"not null" json:"quantity"`
	BalanceAfter   int64         `gorm:"not null" json:"balance_after"`
	OrderID        *snowflake.ID `json:"order_id,omitempty"`
	IdempotencyKey *string       `gorm:"type:text" json:"-"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Holding is the ledger's view of an entitlement row.
type Holding struct {
	ID      snowflake.ID
	UserID  string
	SKUID   string
	OrderID *snowflake.ID
	Status  string
	Kind    string
}

func (h Holding) Active() bool { return h.Status == "active" }

func (h Holding) Consumable() bool { return h.Kind == "consumable" }

// Totals are the summed quantities per change type for one entitlement.
// Spent and ClawedBack are magnitudes.
type Totals struct {
	Granted    int64
	Spent      int64
	Refunded   int64
	ClawedBack int64
}

// Remaining is what the holder has not consumed: granted minus spent.
func (t Totals) Remaining() int64 {
	return t.Granted - t.Spent
}

// NegativeBalance is an entitlement whose latest balance is below zero.
type NegativeBalance struct {
	EntitlementID snowflake.ID `json:"entitlement_id"`
	SKUID         string       `gorm:"column:sku_id" json:"sku_id"`
	BalanceAfter  int64        `json:"balance_after"`
}

type ListFilter struct {
	UserID        string
	EntitlementID *snowflake.ID
	ChangeType    ChangeType
	CursorID      *snowflake.ID
	Limit         int
}
