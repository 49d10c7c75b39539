package pubsub

import (
	"context"
	"testing"

	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/internal/signal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type stubSignals struct {
	status domain.Status
	err    error
	got    []domain.Envelope
}

func (s *stubSignals) Handle(_ context.Context, env domain.Envelope) (domain.Status, error) {
	s.got = append(s.got, env)
	return s.status, s.err
}

func newConsumer(t *testing.T, signals domain.Service) *Consumer {
	t.Helper()
	return NewConsumer(Params{
		Lifecycle: fxtest.NewLifecycle(t),
		Config:    config.Config{},
		Log:       zap.NewNop(),
		Signals:   signals,
	})
}

func TestProcessAckDecision(t *testing.T) {
	body := []byte(`{"type":"refund","event_id":"evt-1","provider":"steam","refund":{"provider_order_id":"O1"}}`)

	cases := []struct {
		name    string
		signals *stubSignals
		body    []byte
		ack     bool
	}{
		{name: "processed", signals: &stubSignals{status: domain.StatusProcessed}, body: body, ack: true},
		{name: "duplicate", signals: &stubSignals{status: domain.StatusSkipped}, body: body, ack: true},
		{name: "garbage", signals: &stubSignals{}, body: []byte("{"), ack: true},
		{name: "invalid", signals: &stubSignals{err: domain.ErrInvalidEnvelope}, body: body, ack: true},
		{name: "not refundable", signals: &stubSignals{err: refunddomain.ErrOrderNotRefundable}, body: body, ack: true},
		{name: "order not seen yet", signals: &stubSignals{err: entitlementdomain.ErrOrderNotFound}, body: body, ack: false},
		{name: "transient", signals: &stubSignals{err: context.DeadlineExceeded}, body: body, ack: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newConsumer(t, tc.signals)
			assert.Equal(t, tc.ack, c.Process(context.Background(), tc.body))
		})
	}
}

func TestProcessDecodesEnvelope(t *testing.T) {
	signals := &stubSignals{status: domain.StatusProcessed}
	c := newConsumer(t, signals)

	body := []byte(`{"type":"refund","event_id":"evt-1","provider":"steam","refund":{"provider_order_id":"O1","items":[{"sku_id":"gold_pack","quantity":100}]}}`)
	require.True(t, c.Process(context.Background(), body))

	require.Len(t, signals.got, 1)
	env := signals.got[0]
	assert.Equal(t, "evt-1", env.EventID)
	require.NotNil(t, env.Refund)
	assert.Equal(t, "O1", env.Refund.ProviderOrderID)
	assert.Equal(t, []domain.Item{{SKUID: "gold_pack", Quantity: 100}}, env.Refund.Items)
}

func TestDisabledConsumerStartsAsNoop(t *testing.T) {
	c := newConsumer(t, &stubSignals{})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
