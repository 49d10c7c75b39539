package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Runner       *db.Runner
	Log          *zap.Logger
	Clock        clock.Clock
	Entitlements entitlementdomain.Service
	Ledger       ledgerdomain.Service
	Policy       *config.PolicyHolder `optional:"true"`
	AuditSvc     auditdomain.Recorder `optional:"true"`
	Metrics      *metrics.Metrics     `optional:"true"`
}

type Service struct {
	runner       *db.Runner
	log          *zap.Logger
	clock        clock.Clock
	entitlements entitlementdomain.Service
	ledger       ledgerdomain.Service
	policy       *config.PolicyHolder
	auditSvc     auditdomain.Recorder
	metrics      *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		runner:       p.Runner,
		log:          p.Log.Named("refund.service"),
		clock:        p.Clock,
		entitlements: p.Entitlements,
		ledger:       p.Ledger,
		policy:       p.Policy,
		auditSvc:     p.AuditSvc,
		metrics:      p.Metrics,
	}
}

func (s *Service) Refund(ctx context.Context, req domain.Request) (*domain.Result, error) {
	if req.Manual && s.policy != nil && !s.policy.Get().ManualRefundsOn {
		return nil, domain.ErrManualRefundsDisabled
	}
	items, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	order, err := s.entitlements.FindOrder(ctx, req.Order)
	if err != nil {
		return nil, err
	}

	var (
		result    *domain.Result
		previous  entitlementdomain.OrderStatus
		refunded  entitlementdomain.Order
		decisions []domain.Decision
	)
	err = s.runner.Run(ctx, func(tx *gorm.DB) error {
		result, decisions = nil, nil

		locked, err := s.entitlements.LockOrderTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		previous = locked.Status

		switch locked.Status {
		case entitlementdomain.OrderStatusRefunded:
			if req.Manual {
				return domain.ErrOrderAlreadyRefunded
			}
			result = &domain.Result{OrderID: locked.ID, Status: domain.StatusSkipped}
			return nil
		case entitlementdomain.OrderStatusVerified:
		default:
			return domain.ErrOrderNotRefundable
		}

		lines := items
		if len(lines) == 0 {
			if lines, err = s.grantedItems(ctx, tx, locked); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		for _, item := range lines {
			out, err := s.refundItem(ctx, tx, locked, item, now)
			if err != nil {
				return err
			}
			decisions = append(decisions, out...)
		}

		if err := s.entitlements.TransitionOrderTx(ctx, tx, locked, entitlementdomain.OrderStatusRefunded, now); err != nil {
			return err
		}
		refunded = *locked
		result = &domain.Result{OrderID: locked.ID, Status: domain.StatusProcessed, Decisions: decisions}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRefund(ctx, string(result.Status), req.Manual)
	if result.Status == domain.StatusSkipped {
		s.log.Info("refund skipped; order already refunded",
			zap.String("order_id", result.OrderID.String()),
			zap.String("provider", order.Provider),
			zap.String("provider_order_id", order.ProviderOrderID),
		)
		return result, nil
	}

	s.afterRefund(ctx, req, previous, refunded, decisions)
	return result, nil
}

// refundItem reverses every active entitlement the order granted for one SKU.
func (s *Service) refundItem(ctx context.Context, tx *gorm.DB, order *entitlementdomain.Order, item domain.Item, now time.Time) ([]domain.Decision, error) {
	active, err := s.entitlements.LockActiveForOrderTx(ctx, tx, order.ID, item.SKUID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return []domain.Decision{{SKUID: item.SKUID, Action: domain.ActionNone, Quantity: item.Quantity}}, nil
	}

	decisions := make([]domain.Decision, 0, len(active))
	for i := range active {
		ent := &active[i]
		holding, err := s.ledger.Lock(ctx, tx, ent.ID)
		if err != nil {
			return nil, err
		}

		quantity := item.Quantity
		if quantity == 0 {
			quantity = ent.Quantity
		}
		if quantity > ent.Quantity {
			return nil, fmt.Errorf("%w: %s refunds %d of %d granted units", domain.ErrInvalidItem, ent.SKUID, quantity, ent.Quantity)
		}
		id := ent.ID
		decision := domain.Decision{
			SKUID:         ent.SKUID,
			EntitlementID: &id,
			Action:        domain.ActionRevoked,
			Quantity:      quantity,
		}

		if holding.Consumable() && !ent.Durable {
			remaining, err := s.ledger.Remaining(ctx, tx, ent.ID)
			if err != nil {
				return nil, err
			}
			decision.Remaining = remaining
			if remaining <= 0 {
				entry, err := s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
					Holding:    *holding,
					ChangeType: ledgerdomain.ChangeTypeClawback,
					Quantity:   -quantity,
					OrderID:    &order.ID,
				})
				if err != nil {
					return nil, err
				}
				decision.Action = domain.ActionClawback
				decision.BalanceAfter = &entry.BalanceAfter
			}
		}

		if err := s.entitlements.RevokeTx(ctx, tx, ent, entitlementdomain.RevocationRefund, now); err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// grantedItems lists the SKUs the order granted, each at its granted quantity.
func (s *Service) grantedItems(ctx context.Context, tx *gorm.DB, order *entitlementdomain.Order) ([]domain.Item, error) {
	granted, err := s.entitlements.GrantedForOrderTx(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	items := []domain.Item{}
	for _, ent := range granted {
		if seen[ent.SKUID] {
			continue
		}
		seen[ent.SKUID] = true
		items = append(items, domain.Item{SKUID: ent.SKUID})
	}
	if len(items) == 0 {
		items = append(items, domain.Item{SKUID: order.SKUID})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKUID < items[j].SKUID })
	return items, nil
}

func (s *Service) afterRefund(ctx context.Context, req domain.Request, previous entitlementdomain.OrderStatus, order entitlementdomain.Order, decisions []domain.Decision) {
	clawbacks := 0
	for _, d := range decisions {
		if d.Action == domain.ActionClawback {
			clawbacks++
			s.metrics.RecordClawback(ctx, d.SKUID)
			s.metrics.RecordLedgerEntry(ctx, string(ledgerdomain.ChangeTypeClawback))
		}
	}

	s.log.Info("order refunded",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", order.UserID),
		zap.Bool("manual", req.Manual),
		zap.Int("items", len(decisions)),
		zap.Int("clawbacks", clawbacks),
	)
	if clawbacks > 0 {
		s.log.Warn("refund left user debt", zap.String("user_id", order.UserID), zap.String("order_id", order.ID.String()))
	}

	if s.auditSvc == nil {
		return
	}
	metadata := map[string]any{
		"manual":            req.Manual,
		"provider":          order.Provider,
		"provider_order_id": order.ProviderOrderID,
		"decisions":         decisions,
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		Action:       "order.refunded",
		ResourceType: "order",
		ResourceID:   order.ID.String(),
		OldValue:     map[string]any{"status": string(previous)},
		NewValue:     map[string]any{"status": string(order.Status), "refunded_at": order.RefundedAt},
		Metadata:     metadata,
	})
}

func normalizeItems(items []domain.Item) ([]domain.Item, error) {
	out := make([]domain.Item, 0, len(items))
	for _, item := range items {
		item.SKUID = strings.TrimSpace(item.SKUID)
		if item.SKUID == "" || item.Quantity < 0 {
			return nil, domain.ErrInvalidItem
		}
		out = append(out, item)
	}
	return out, nil
}
