package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"charge.refunded","data":{"object":{}}}`)
	now := time.Now()

	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, now.Unix()))

	adapter := &Adapter{webhookSecret: secret, now: func() time.Time { return now }}
	if err := adapter.VerifySignature(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, now.Unix()))
	if err := adapter.VerifySignature(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, now.Add(-time.Hour).Unix()))
	if err := adapter.VerifySignature(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	created := time.Now().UTC().Unix()

	tests := []struct {
		name      string
		event     any
		wantType  string
		wantOrder string
		amount    string
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"user_id": "u1",
						"sku_id":  "gold_pack",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypePurchase,
		wantOrder: "pi_1",
		amount:    "25",
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id":      "evt_charge",
			"type":    "charge.refunded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "ch_1",
					"payment_intent":  "pi_1",
					"amount":          5000,
					"amount_refunded": 1200,
					"currency":        "usd",
					"created":         created,
					"metadata": map[string]any{
						"user_id": "u1",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypeRefund,
		wantOrder: "pi_1",
		amount:    "12",
	}}

	adapter := &Adapter{webhookSecret: "whsec_test", now: time.Now}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, event.Type)
			}
			if event.ProviderOrderID != tt.wantOrder {
				t.Fatalf("expected order %s, got %s", tt.wantOrder, event.ProviderOrderID)
			}
			if event.Amount.String() != tt.amount {
				t.Fatalf("expected amount %s, got %s", tt.amount, event.Amount)
			}
			if event.UserID != "u1" {
				t.Fatalf("expected user u1, got %q", event.UserID)
			}
			if event.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", event.Currency)
			}
		})
	}

	if _, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_x","type":"customer.created"}`)); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
}

func TestVerifyReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/payment_intents/pi_ok":
			_, _ = w.Write([]byte(`{"id":"pi_ok","status":"succeeded","amount":499,"currency":"usd","metadata":{"user_id":"u1","sku_id":"gold_pack"}}`))
		case "/v1/payment_intents/pi_pending":
			_, _ = w.Write([]byte(`{"id":"pi_pending","status":"processing","amount":499,"currency":"usd"}`))
		case "/v1/payment_intents/pi_down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config:   map[string]any{"api_key": "sk_test", "api_base": srv.URL},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	purchase, err := adapter.VerifyReceipt(context.Background(), paymentdomain.Receipt{Token: "pi_ok"})
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if purchase.OrderID != "pi_ok" || purchase.UserID != "u1" || purchase.SKUID != "gold_pack" {
		t.Fatalf("unexpected purchase %+v", purchase)
	}
	if purchase.Amount.String() != "4.99" || purchase.Currency != "USD" {
		t.Fatalf("unexpected amount %s %s", purchase.Amount, purchase.Currency)
	}

	cases := map[string]error{
		"pi_pending": paymentdomain.ErrVerificationFailed,
		"pi_missing": paymentdomain.ErrVerificationFailed,
		"pi_down":    paymentdomain.ErrVerifierUnavailable,
		"ch_1":       paymentdomain.ErrInvalidReceipt,
	}
	for token, want := range cases {
		if _, err := adapter.VerifyReceipt(context.Background(), paymentdomain.Receipt{Token: token}); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", token, want, err)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	if got := minorUnits(500, "jpy").String(); got != "500" {
		t.Fatalf("expected 500, got %s", got)
	}
	if got := minorUnits(1999, "eur").String(); got != "19.99" {
		t.Fatalf("expected 19.99, got %s", got)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	ts := fmt.Sprintf("%d", timestamp)
	return fmt.Sprintf("t=%s,v1=%s", ts, Sign(secret, ts, payload))
}
