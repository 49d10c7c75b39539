package httpverifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, handler http.HandlerFunc, secret string) paymentdomain.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "steam",
		Config:   map[string]any{"url": srv.URL, "webhook_secret": secret},
	})
	require.NoError(t, err)
	return adapter
}

func TestVerifyReceiptDecodesContract(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "steam", body.Provider)
		assert.Equal(t, "ticket-1", body.Receipt)
		_, _ = w.Write([]byte(`{"valid":true,"order_id":"O1","user_id":"u1","sku_id":"gold_pack","amount":"4.99","currency":"usd"}`))
	}, "")

	got, err := adapter.VerifyReceipt(context.Background(), paymentdomain.Receipt{Token: "ticket-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "O1", got.OrderID)
	assert.Equal(t, "gold_pack", got.SKUID)
	assert.Equal(t, "4.99", got.Amount.String())
	assert.Equal(t, "USD", got.Currency)
}

func TestVerifyReceiptFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rejected", http.StatusOK, `{"valid":false,"reason":"refunded"}`, paymentdomain.ErrVerificationFailed},
		{"no order", http.StatusOK, `{"valid":true}`, paymentdomain.ErrVerificationFailed},
		{"client error", http.StatusUnprocessableEntity, `{}`, paymentdomain.ErrVerificationFailed},
		{"garbage", http.StatusOK, `<html>`, paymentdomain.ErrVerificationFailed},
		{"server error", http.StatusServiceUnavailable, ``, paymentdomain.ErrVerifierUnavailable},
		{"throttled", http.StatusTooManyRequests, ``, paymentdomain.ErrVerifierUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, "")
			_, err := adapter.VerifyReceipt(context.Background(), paymentdomain.Receipt{Token: "t"})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerifyReceiptUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Provider: "steam", Config: map[string]any{"url": url}})
	require.NoError(t, err)
	_, err = adapter.VerifyReceipt(context.Background(), paymentdomain.Receipt{Token: "t"})
	assert.ErrorIs(t, err, paymentdomain.ErrVerifierUnavailable)
}

func TestNewAdapterRequiresURL(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Provider: "steam"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestWebhookSignatureAndParse(t *testing.T) {
	adapter := newAdapter(t, http.NotFound, "s3cret")
	hooks, ok := adapter.(paymentdomain.WebhookAdapter)
	require.True(t, ok)

	payload := []byte(`{"id":"evt-1","type":"REFUND","order_id":"O1","user_id":"u1","items":[{"sku_id":"gold_pack","quantity":100}]}`)
	headers := http.Header{}
	headers.Set(SignatureHeader, "sha256="+Sign("s3cret", payload))
	require.NoError(t, hooks.VerifySignature(context.Background(), payload, headers))

	headers.Set(SignatureHeader, Sign("other", payload))
	assert.ErrorIs(t, hooks.VerifySignature(context.Background(), payload, headers), paymentdomain.ErrInvalidSignature)

	event, err := hooks.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeRefund, event.Type)
	assert.Equal(t, "steam", event.Provider)
	assert.Equal(t, "O1", event.ProviderOrderID)
	require.Len(t, event.Items, 1)
	assert.EqualValues(t, 100, event.Items[0].Quantity)

	_, err = hooks.Parse(context.Background(), []byte(`{"id":"evt-2","type":"chargeback.opened"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
	_, err = hooks.Parse(context.Background(), []byte(`{"type":"refund"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}

func TestWebhooksNeedSecret(t *testing.T) {
	adapter := newAdapter(t, http.NotFound, "")
	err := adapter.(paymentdomain.WebhookAdapter).VerifySignature(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrWebhooksUnsupported)
}
