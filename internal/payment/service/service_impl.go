package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/internal/payment/adapters"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg          config.Config
	Log          *zap.Logger
	Adapters     *adapters.Registry
	Entitlements entitlementdomain.Service
	HTTPClient   *http.Client `optional:"true"`
}

type Service struct {
	cfg          config.Config
	log          *zap.Logger
	adapters     *adapters.Registry
	entitlements entitlementdomain.Service
	client       *http.Client

	mu       sync.Mutex
	resolved map[string]domain.Adapter
}

func NewService(p Params) domain.Service {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: p.Cfg.VerifierTimeout}
	}
	return &Service{
		cfg:          p.Cfg,
		log:          p.Log.Named("payment.service"),
		adapters:     p.Adapters,
		entitlements: p.Entitlements,
		client:       client,
		resolved:     map[string]domain.Adapter{},
	}
}

func (s *Service) Purchase(ctx context.Context, req domain.PurchaseRequest) (*entitlementdomain.GrantResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	receipt := domain.Receipt{
		Provider: provider,
		Token:    strings.TrimSpace(req.Receipt),
		UserID:   strings.TrimSpace(req.UserID),
		SKUID:    strings.TrimSpace(req.SKUID),
	}
	if receipt.Token == "" {
		return nil, domain.ErrInvalidReceipt
	}
	if receipt.UserID == "" {
		return nil, entitlementdomain.ErrInvalidUserID
	}

	adapter, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}
	purchase, err := adapter.VerifyReceipt(ctx, receipt)
	if err != nil {
		s.log.Warn("receipt verification failed",
			zap.String("provider", provider),
			zap.String("user_id", receipt.UserID),
			zap.Error(err),
		)
		return nil, err
	}
	if err := matchPurchase(receipt, purchase); err != nil {
		s.log.Warn("verified receipt does not match request",
			zap.String("provider", provider),
			zap.String("provider_order_id", purchase.OrderID),
			zap.Error(err),
		)
		return nil, err
	}

	skuID := receipt.SKUID
	if skuID == "" {
		skuID = purchase.SKUID
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = provider + ":" + purchase.OrderID
	}
	return s.entitlements.Grant(ctx, entitlementdomain.GrantRequest{
		UserID: receipt.UserID,
		SKUID:  skuID,
		Order: &entitlementdomain.OrderRef{
			Provider:        provider,
			ProviderOrderID: purchase.OrderID,
			Amount:          purchase.Amount,
			Currency:        purchase.Currency,
		},
		IdempotencyKey: key,
	})
}

func (s *Service) ParseWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.ProviderEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}
	adapter, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}
	webhooks, ok := adapter.(domain.WebhookAdapter)
	if !ok {
		return nil, domain.ErrWebhooksUnsupported
	}
	if err := webhooks.VerifySignature(ctx, payload, headers); err != nil {
		return nil, err
	}

	event, err := webhooks.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return event, nil
}

// Providers lists every provider with usable configuration.
func (s *Service) Providers() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range s.adapters.Providers() {
		if _, err := s.adapter(name); err == nil && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for name := range s.cfg.VerifierURLs {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// adapter builds the provider adapter once and reuses it.
func (s *Service) adapter(provider string) (domain.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if adapter, ok := s.resolved[provider]; ok {
		return adapter, nil
	}
	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		Config:     s.providerConfig(provider),
		HTTPClient: s.client,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			return nil, fmt.Errorf("%w: %s is not configured", domain.ErrProviderNotFound, provider)
		}
		return nil, err
	}
	s.resolved[provider] = adapter
	return adapter, nil
}

func (s *Service) providerConfig(provider string) map[string]any {
	out := map[string]any{}
	if url := s.cfg.VerifierURLs[provider]; url != "" {
		out["url"] = url
	}
	if secret := s.cfg.WebhookSecrets[provider]; secret != "" {
		out["webhook_secret"] = secret
	}
	if provider == "stripe" && s.cfg.StripeAPIKey != "" {
		out["api_key"] = s.cfg.StripeAPIKey
	}
	return out
}

// matchPurchase rejects receipts that were issued for another user or sku.
func matchPurchase(receipt domain.Receipt, purchase *domain.VerifiedPurchase) error {
	if purchase.UserID != "" && purchase.UserID != receipt.UserID {
		return fmt.Errorf("%w: receipt belongs to another user", domain.ErrVerificationFailed)
	}
	if purchase.SKUID != "" && receipt.SKUID != "" && purchase.SKUID != receipt.SKUID {
		return fmt.Errorf("%w: receipt is for sku %s", domain.ErrVerificationFailed, purchase.SKUID)
	}
	if receipt.SKUID == "" && purchase.SKUID == "" {
		return fmt.Errorf("%w: receipt names no sku", domain.ErrVerificationFailed)
	}
	return nil
}
