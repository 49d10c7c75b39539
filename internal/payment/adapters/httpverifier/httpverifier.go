// Package httpverifier talks to a receipt verification service over a small
// JSON contract. It backs every provider that has no dedicated adapter.
package httpverifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxResponseSize = 1 << 20
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "http"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	endpoint, _ := readString(cfg.Config, "url")
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret, _ := readString(cfg.Config, "webhook_secret")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		provider:      cfg.Provider,
		endpoint:      endpoint,
		webhookSecret: strings.TrimSpace(secret),
		client:        client,
	}, nil
}

type Adapter struct {
	provider      string
	endpoint      string
	webhookSecret string
	client        *http.Client
}

type verifyRequest struct {
	Provider string `json:"provider"`
	Receipt  string `json:"receipt"`
	UserID   string `json:"user_id"`
	SKUID    string `json:"sku_id"`
}

type verifyResponse struct {
	Valid    bool            `json:"valid"`
	Reason   string          `json:"reason"`
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	SKUID    string          `json:"sku_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (a *Adapter) VerifyReceipt(ctx context.Context, receipt paymentdomain.Receipt) (*paymentdomain.VerifiedPurchase, error) {
	body, err := json.Marshal(verifyRequest{
		Provider: a.provider,
		Receipt:  receipt.Token,
		UserID:   receipt.UserID,
		SKUID:    receipt.SKUID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrVerifierUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", paymentdomain.ErrVerifierUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", paymentdomain.ErrVerificationFailed, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: undecodable verifier response", paymentdomain.ErrVerificationFailed)
	}
	if !out.Valid {
		reason := strings.TrimSpace(out.Reason)
		if reason == "" {
			reason = "receipt rejected"
		}
		return nil, fmt.Errorf("%w: %s", paymentdomain.ErrVerificationFailed, reason)
	}
	if strings.TrimSpace(out.OrderID) == "" {
		return nil, fmt.Errorf("%w: verifier returned no order id", paymentdomain.ErrVerificationFailed)
	}

	return &paymentdomain.VerifiedPurchase{
		OrderID:  strings.TrimSpace(out.OrderID),
		UserID:   strings.TrimSpace(out.UserID),
		SKUID:    strings.TrimSpace(out.SKUID),
		Amount:   out.Amount,
		Currency: strings.ToUpper(strings.TrimSpace(out.Currency)),
	}, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the body, optionally
// prefixed with "sha256=".
func (a *Adapter) VerifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrWebhooksUnsupported
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	if !hmac.Equal([]byte(signature), []byte(Sign(a.webhookSecret, payload))) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type event struct {
	ID         string                    `json:"id"`
	Type       string                    `json:"type"`
	OccurredAt time.Time                 `json:"occurred_at"`
	OrderID    string                    `json:"order_id"`
	UserID     string                    `json:"user_id"`
	SKUID      string                    `json:"sku_id"`
	Amount     decimal.Decimal           `json:"amount"`
	Currency   string                    `json:"currency"`
	Items      []paymentdomain.EventItem `json:"items"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.ProviderEvent, error) {
	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(evt.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	eventType := strings.ToLower(strings.TrimSpace(evt.Type))
	switch eventType {
	case paymentdomain.EventTypePurchase, paymentdomain.EventTypeRefund:
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return &paymentdomain.ProviderEvent{
		Provider:        a.provider,
		EventID:         strings.TrimSpace(evt.ID),
		Type:            eventType,
		ProviderOrderID: strings.TrimSpace(evt.OrderID),
		UserID:          strings.TrimSpace(evt.UserID),
		SKUID:           strings.TrimSpace(evt.SKUID),
		Items:           evt.Items,
		Amount:          evt.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(evt.Currency)),
		OccurredAt:      occurredAt.UTC(),
		RawPayload:      payload,
	}, nil
}

// Sign returns the hex signature a sender puts in SignatureHeader.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
