package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
)

const (
	defaultAPIBase     = "https://api.stripe.com"
	signatureTolerance = 5 * time.Minute
)

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Adapter, error) {
	secret, _ := readString(cfg.Config, "webhook_secret")
	apiKey, _ := readString(cfg.Config, "api_key")
	secret = strings.TrimSpace(secret)
	apiKey = strings.TrimSpace(apiKey)
	if secret == "" && apiKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	base, _ := readString(cfg.Config, "api_base")
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultAPIBase
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		webhookSecret: secret,
		apiKey:        apiKey,
		apiBase:       base,
		client:        client,
		now:           time.Now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	apiKey        string
	apiBase       string
	client        *http.Client
	now           func() time.Time
}

// VerifyReceipt treats the receipt token as a payment intent id and confirms
// it succeeded for the expected user and sku.
func (a *Adapter) VerifyReceipt(ctx context.Context, receipt paymentdomain.Receipt) (*paymentdomain.VerifiedPurchase, error) {
	if a.apiKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	token := strings.TrimSpace(receipt.Token)
	if !strings.HasPrefix(token, "pi_") {
		return nil, paymentdomain.ErrInvalidReceipt
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/v1/payment_intents/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrVerifierUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: stripe status %d", paymentdomain.ErrVerifierUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: stripe status %d", paymentdomain.ErrVerificationFailed, resp.StatusCode)
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: undecodable payment intent", paymentdomain.ErrVerificationFailed)
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("%w: payment intent is %s", paymentdomain.ErrVerificationFailed, intent.Status)
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	return &paymentdomain.VerifiedPurchase{
		OrderID:  intent.ID,
		UserID:   readMetadataValue(intent.Metadata, "user_id"),
		SKUID:    readMetadataValue(intent.Metadata, "sku_id"),
		Amount:   minorUnits(amount, intent.Currency),
		Currency: strings.ToUpper(strings.TrimSpace(intent.Currency)),
	}, nil
}

func (a *Adapter) VerifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrWebhooksUnsupported
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, ts, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.ProviderEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte) (*paymentdomain.ProviderEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	return &paymentdomain.ProviderEvent{
		Provider:        "stripe",
		EventID:         event.ID,
		Type:            paymentdomain.EventTypePurchase,
		ProviderOrderID: intent.ID,
		UserID:          readMetadataValue(intent.Metadata, "user_id"),
		SKUID:           readMetadataValue(intent.Metadata, "sku_id"),
		Amount:          minorUnits(amount, intent.Currency),
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*paymentdomain.ProviderEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	// Orders are keyed by payment intent; bare charges fall back to their own id.
	orderID := strings.TrimSpace(charge.PaymentIntent)
	if orderID == "" {
		orderID = strings.TrimSpace(charge.ID)
	}
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}
	var items []paymentdomain.EventItem
	if sku := readMetadataValue(charge.Metadata, "sku_id"); sku != "" {
		qty, _ := strconv.ParseInt(readMetadataValue(charge.Metadata, "quantity"), 10, 64)
		items = append(items, paymentdomain.EventItem{SKUID: sku, Quantity: qty})
	}

	return &paymentdomain.ProviderEvent{
		Provider:        "stripe",
		EventID:         event.ID,
		Type:            paymentdomain.EventTypeRefund,
		ProviderOrderID: orderID,
		UserID:          readMetadataValue(charge.Metadata, "user_id"),
		Items:           items,
		Amount:          minorUnits(amount, charge.Currency),
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

// Sign computes the v1 signature for a payload sent at ts.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	var ts string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			ts = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func minorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
