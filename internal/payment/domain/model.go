package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is the client's proof of purchase as handed to a provider.
type Receipt struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	SKUID    string `json:"sku_id"`
}

// VerifiedPurchase is what a provider confirms about a receipt.
type VerifiedPurchase struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	SKUID    string          `json:"sku_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

const (
	EventTypePurchase = "purchase"
	EventTypeRefund   = "refund"
)

type EventItem struct {
	SKUID    string `json:"sku_id"`
	Quantity int64  `json:"quantity"`
}

// ProviderEvent is the canonical webhook event parsed by adapters.
type ProviderEvent struct {
	Provider        string
	EventID         string
	Type            string
	ProviderOrderID string
	UserID          string
	SKUID           string
	Items           []EventItem
	Amount          decimal.Decimal
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

type AdapterConfig struct {
	Provider   string
	Config     map[string]any
	HTTPClient *http.Client
}

// Adapter verifies receipts against one provider.
type Adapter interface {
	VerifyReceipt(ctx context.Context, receipt Receipt) (*VerifiedPurchase, error)
}

// WebhookAdapter is implemented by adapters that accept signed webhooks.
type WebhookAdapter interface {
	VerifySignature(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*ProviderEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
