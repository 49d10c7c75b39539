package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/clock"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/internal/signal/domain"
	"github.com/smallbiznis/commerce/internal/webhooklock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	Locker       *webhooklock.Locker
	Refunds      refunddomain.Service
	Entitlements entitlementdomain.Service
	Payments     paymentdomain.Service `optional:"true"`
	Metrics      *metrics.Metrics      `optional:"true"`
}

type Ingestor struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	locker       *webhooklock.Locker
	refunds      refunddomain.Service
	entitlements entitlementdomain.Service
	payments     paymentdomain.Service
	metrics      *metrics.Metrics
}

func NewIngestor(p Params) domain.Service {
	return &Ingestor{
		db:           p.DB,
		log:          p.Log.Named("signal.ingestor"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		locker:       p.Locker,
		refunds:      p.Refunds,
		entitlements: p.Entitlements,
		payments:     p.Payments,
		metrics:      p.Metrics,
	}
}

func (s *Ingestor) Handle(ctx context.Context, env domain.Envelope) (domain.Status, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	log := s.log.With(
		zap.String("provider", env.Provider),
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.Type),
	)

	event, fresh, err := s.record(ctx, env)
	if err != nil {
		return "", err
	}
	if !fresh && event.ProcessedAt != nil {
		log.Info("duplicate event; already processed")
		s.metrics.RecordWebhookDuplicate(ctx, env.Provider, "processed")
		return domain.StatusSkipped, nil
	}

	ctx = obscontext.WithActor(ctx, obscontext.Actor{Type: "webhook", ID: env.Provider})

	var status domain.Status
	acquired, err := s.locker.WithLock(ctx, env.EventID, s.locker.TTL(), func(ctx context.Context) error {
		// The previous holder may have finished between our read and the lock.
		current, err := s.repo.Find(ctx, s.db, env.Provider, env.EventID)
		if err != nil {
			return err
		}
		if current != nil && current.ProcessedAt != nil {
			status = domain.StatusSkipped
			return nil
		}

		status, err = s.dispatch(ctx, env)
		if err != nil {
			return err
		}
		return s.repo.MarkProcessed(ctx, s.db, event.ID, s.clock.Now())
	})
	if err != nil {
		log.Warn("signal failed", zap.Error(err))
		return "", err
	}
	if !acquired {
		s.metrics.RecordWebhookDuplicate(ctx, env.Provider, "locked")
		return domain.StatusSkipped, nil
	}
	if status == domain.StatusSkipped {
		s.metrics.RecordWebhookDuplicate(ctx, env.Provider, "noop")
	}

	log.Info("signal handled", zap.String("status", string(status)))
	return status, nil
}

// record stores the event on first sight and returns the stored row.
func (s *Ingestor) record(ctx context.Context, env domain.Envelope) (*domain.WebhookEvent, bool, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}
	event := &domain.WebhookEvent{
		ID:         s.genID.Generate(),
		Provider:   env.Provider,
		EventID:    env.EventID,
		EventType:  env.Type,
		Payload:    payload,
		ReceivedAt: s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, event)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return event, true, nil
	}

	existing, err := s.repo.Find(ctx, s.db, env.Provider, env.EventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("webhook event %s/%s vanished after conflict", env.Provider, env.EventID)
	}
	return existing, false, nil
}

func (s *Ingestor) dispatch(ctx context.Context, env domain.Envelope) (domain.Status, error) {
	switch env.Type {
	case domain.TypeRefund:
		return s.refund(ctx, env)
	case domain.TypePurchase:
		return s.purchase(ctx, env)
	default:
		return "", fmt.Errorf("%w: unknown type %q", domain.ErrInvalidEnvelope, env.Type)
	}
}

func (s *Ingestor) refund(ctx context.Context, env domain.Envelope) (domain.Status, error) {
	r := env.Refund
	req := refunddomain.Request{
		Order: entitlementdomain.OrderRef{
			ID:              r.OrderID,
			Provider:        env.Provider,
			ProviderOrderID: r.ProviderOrderID,
		},
	}
	for _, item := range r.Items {
		req.Items = append(req.Items, refunddomain.Item{SKUID: item.SKUID, Quantity: item.Quantity})
	}

	res, err := s.refunds.Refund(ctx, req)
	if err != nil {
		return "", err
	}
	if res.Status == refunddomain.StatusSkipped {
		return domain.StatusSkipped, nil
	}
	return domain.StatusProcessed, nil
}

func (s *Ingestor) purchase(ctx context.Context, env domain.Envelope) (domain.Status, error) {
	p := env.Purchase
	key := env.Provider + ":" + p.ProviderOrderID

	if p.Receipt != "" && s.payments != nil {
		_, err := s.payments.Purchase(ctx, paymentdomain.PurchaseRequest{
			Provider:       env.Provider,
			Receipt:        p.Receipt,
			UserID:         p.UserID,
			SKUID:          p.SKUID,
			IdempotencyKey: key,
		})
		if err != nil {
			return "", err
		}
		return domain.StatusProcessed, nil
	}

	// A signed provider notification is itself proof of payment.
	_, err := s.entitlements.Grant(ctx, entitlementdomain.GrantRequest{
		UserID: p.UserID,
		SKUID:  p.SKUID,
		Order: &entitlementdomain.OrderRef{
			Provider:        env.Provider,
			ProviderOrderID: p.ProviderOrderID,
			Amount:          p.Amount,
			Currency:        p.Currency,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return "", err
	}
	return domain.StatusProcessed, nil
}
