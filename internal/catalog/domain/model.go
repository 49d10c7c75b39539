package domain

import "time"

type Kind string

const (
	KindDurable      Kind = "durable"
	KindConsumable   Kind = "consumable"
	KindSubscription Kind = "subscription"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDurable, KindConsumable, KindSubscription:
		return true
	default:
		return false
	}
}

// SKU is a purchasable catalog item. Kind and Quantity are frozen once an
// order references the SKU.
type SKU struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Kind      Kind      `gorm:"type:text;not null" json:"kind"`
	Quantity  int64     `gorm:"not null;default:1" json:"quantity"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (SKU) TableName() string { return "skus" }

// SingleOwner reports whether a user may hold at most one active entitlement.
func (s SKU) SingleOwner() bool {
	return s.Kind == KindDurable
}

func (s SKU) Consumable() bool {
	return s.Kind == KindConsumable
}
