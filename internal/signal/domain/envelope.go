package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"gorm.io/datatypes"
)

const (
	TypeRefund   = "refund"
	TypePurchase = "purchase"
)

// Envelope is an inbound signal. Exactly one of Refund or Purchase is set,
// matching Type; Extensions carries provider fields the core ignores.
type Envelope struct {
	Type       string         `json:"type" validate:"required,oneof=refund purchase"`
	EventID    string         `json:"event_id" validate:"required,max=255"`
	Provider   string         `json:"provider" validate:"required,max=64"`
	Refund     *RefundEvent   `json:"refund,omitempty" validate:"required_if=Type refund"`
	Purchase   *PurchaseEvent `json:"purchase,omitempty" validate:"required_if=Type purchase"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type RefundEvent struct {
	OrderID         snowflake.ID `json:"order_id,omitempty"`
	ProviderOrderID string       `json:"provider_order_id,omitempty" validate:"required_without=OrderID"`
	UserID          string       `json:"user_id,omitempty"`
	Items           []Item       `json:"items,omitempty" validate:"dive"`
}

type Item struct {
	SKUID    string `json:"sku_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gte=0"`
}

type PurchaseEvent struct {
	ProviderOrderID string          `json:"provider_order_id" validate:"required"`
	UserID          string          `json:"user_id" validate:"required"`
	SKUID           string          `json:"sku_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	// Receipt, when present, is verified with the provider before granting.
	Receipt string `json:"receipt,omitempty"`
}

var validate = validator.New()

// Validate checks the envelope at the boundary, before it reaches the core.
func (e *Envelope) Validate() error {
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	e.EventID = strings.TrimSpace(e.EventID)

	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(fields, ","))
}

// FromProviderEvent maps an authenticated provider webhook to an envelope.
func FromProviderEvent(evt *paymentdomain.ProviderEvent) Envelope {
	env := Envelope{
		Type:     evt.Type,
		EventID:  evt.EventID,
		Provider: evt.Provider,
	}
	switch evt.Type {
	case paymentdomain.EventTypeRefund:
		refund := &RefundEvent{
			ProviderOrderID: evt.ProviderOrderID,
			UserID:          evt.UserID,
		}
		for _, item := range evt.Items {
			refund.Items = append(refund.Items, Item{SKUID: item.SKUID, Quantity: item.Quantity})
		}
		env.Refund = refund
	case paymentdomain.EventTypePurchase:
		env.Purchase = &PurchaseEvent{
			ProviderOrderID: evt.ProviderOrderID,
			UserID:          evt.UserID,
			SKUID:           evt.SKUID,
			Amount:          evt.Amount,
			Currency:        evt.Currency,
		}
	}
	return env
}

type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
)

// WebhookEvent records every signal received, keyed by provider and event id.
type WebhookEvent struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider    string         `json:"provider" gorm:"type:text;not null"`
	EventID     string         `json:"event_id" gorm:"type:text;not null"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

var ErrInvalidEnvelope = errors.New("invalid_signal")
