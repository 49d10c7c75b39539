package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/internal/idempotency"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/internal/signal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxOutstandingMessages = 10

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Signals   domain.Service
}

// Consumer feeds envelopes published on a Pub/Sub subscription into the
// signal ingestor.
type Consumer struct {
	cfg     config.PubSubConfig
	log     *zap.Logger
	signals domain.Service

	client *gpubsub.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(p Params) *Consumer {
	c := &Consumer{
		cfg:     p.Config.PubSub,
		log:     p.Log.Named("signal.pubsub"),
		signals: p.Signals,
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: c.Start,
		OnStop:  c.Stop,
	})
	return c
}

func (c *Consumer) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("pubsub consumer disabled")
		return nil
	}
	if c.cfg.ProjectID == "" || c.cfg.SubscriptionID == "" {
		return errors.New("pubsub: project and subscription are required")
	}

	client, err := gpubsub.NewClient(ctx, c.cfg.ProjectID)
	if err != nil {
		return err
	}
	c.client = client

	sub := client.Subscription(c.cfg.SubscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = maxOutstandingMessages

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := sub.Receive(runCtx, func(ctx context.Context, msg *gpubsub.Message) {
			if c.Process(ctx, msg.Data) {
				msg.Ack()
				return
			}
			msg.Nack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("pubsub receive stopped", zap.Error(err))
		}
	}()

	c.log.Info("pubsub consumer started",
		zap.String("project_id", c.cfg.ProjectID),
		zap.String("subscription", c.cfg.SubscriptionID),
	)
	return nil
}

func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("pubsub consumer did not drain before shutdown")
	}
	return c.client.Close()
}

// Process handles one message body and reports whether it should be acked.
// Only failures a redelivery could fix are left for redelivery.
func (c *Consumer) Process(ctx context.Context, data []byte) bool {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("dropping undecodable signal", zap.Error(err))
		return true
	}

	status, err := c.signals.Handle(ctx, env)
	if err == nil {
		c.log.Debug("signal consumed",
			zap.String("event_id", env.EventID),
			zap.String("status", string(status)),
		)
		return true
	}
	if permanent(err) {
		c.log.Warn("dropping signal",
			zap.String("provider", env.Provider),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		return true
	}

	c.log.Warn("signal failed; awaiting redelivery",
		zap.String("provider", env.Provider),
		zap.String("event_id", env.EventID),
		zap.Error(err),
	)
	return false
}

func permanent(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidEnvelope,
		refunddomain.ErrInvalidItem,
		refunddomain.ErrOrderNotRefundable,
		entitlementdomain.ErrInvalidOrderRef,
		entitlementdomain.ErrOrderMismatch,
		idempotency.ErrKeyReused,
		entitlementdomain.ErrInvalidUserID,
		paymentdomain.ErrVerificationFailed,
		paymentdomain.ErrInvalidReceipt,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
