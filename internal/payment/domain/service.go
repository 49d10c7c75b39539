package domain

import (
	"context"
	"errors"
	"net/http"

	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
)

type PurchaseRequest struct {
	Provider       string `json:"provider" binding:"required"`
	Receipt        string `json:"receipt" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	SKUID          string `json:"sku_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Service interface {
	// Purchase verifies a receipt and grants what it paid for. The
	// idempotency key defaults to "{provider}:{provider order id}".
	Purchase(ctx context.Context, req PurchaseRequest) (*entitlementdomain.GrantResult, error)
	// ParseWebhook authenticates a provider webhook and returns its event.
	ParseWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*ProviderEvent, error)
	Providers() []string
}

var (
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrProviderNotFound    = errors.New("provider_not_found")
	ErrInvalidConfig       = errors.New("invalid_provider_config")
	ErrInvalidReceipt      = errors.New("invalid_receipt")
	ErrVerificationFailed  = errors.New("verification_failed")
	ErrVerifierUnavailable = errors.New("verifier_unavailable")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrEventIgnored        = errors.New("event_ignored")
	ErrWebhooksUnsupported = errors.New("webhooks_unsupported")
)
