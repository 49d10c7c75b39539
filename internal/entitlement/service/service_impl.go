package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeCreated      = "created"
	outcomeAlreadyOwned = "already_owned"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Runner      *db.Runner
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Catalog     catalogdomain.Service
	Ledger      ledgerdomain.Service
	Coordinator *idempotency.Coordinator
	AuditSvc    auditdomain.Recorder `optional:"true"`
	Metrics     *metrics.Metrics     `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	runner      *db.Runner
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	catalog     catalogdomain.Service
	ledger      ledgerdomain.Service
	coordinator *idempotency.Coordinator
	auditSvc    auditdomain.Recorder
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		runner:      p.Runner,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		catalog:     p.Catalog,
		ledger:      p.Ledger,
		coordinator: p.Coordinator,
		auditSvc:    p.AuditSvc,
		metrics:     p.Metrics,
	}
}

// Grant gives userID the SKU exactly once per idempotency key. Durable SKUs
// are never granted twice to the same user: a second grant under any key
// returns the entitlement already held.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.GrantResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrInvalidIdempotencyKey
	}
	ref, err := normalizeOrderRef(req.Order)
	if err != nil {
		return nil, err
	}
	sku, err := s.catalog.GetActive(ctx, req.SKUID)
	if err != nil {
		return nil, err
	}

	out, err := idempotency.Resolve(ctx, s.coordinator, "grant:"+key, idempotency.Ops[domain.GrantResult]{
		Lookup: func(ctx context.Context) (*domain.GrantResult, error) {
			return s.lookup(ctx, key, userID, sku)
		},
		Compute: func(ctx context.Context) (*domain.GrantResult, error) {
			return s.grant(ctx, userID, sku, ref, key)
		},
	})
	if err != nil {
		return nil, err
	}
	if got := out.Value.Entitlement; got.UserID != userID || got.SKUID != sku.ID {
		s.log.Warn("idempotency key reused for a different grant",
			zap.String("user_id", userID),
			zap.String("sku_id", sku.ID),
			zap.String("entitlement_id", got.ID.String()),
			zap.String("source", string(out.Source)),
		)
		return nil, idempotency.ErrKeyReused
	}

	if out.Source != idempotency.SourceComputed {
		s.metrics.RecordGrant(ctx, string(out.Source))
	}
	result := *out.Value
	result.Source = string(out.Source)
	return &result, nil
}

// lookup finds a committed grant for key, or for durable SKUs the
// entitlement the user already holds.
func (s *Service) lookup(ctx context.Context, key, userID string, sku *catalogdomain.SKU) (*domain.GrantResult, error) {
	ent, err := s.repo.FindByIdempotencyKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return &domain.GrantResult{Entitlement: *ent}, nil
	}

	order, err := s.repo.FindOrderByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if order != nil {
		ent, err := s.repo.FindByOrder(ctx, s.db, order.ID)
		if err != nil {
			return nil, err
		}
		if ent != nil {
			return &domain.GrantResult{Entitlement: *ent}, nil
		}
	}

	if sku.SingleOwner() {
		owned, err := s.repo.FindActiveDurable(ctx, s.db, userID, sku.ID)
		if err != nil {
			return nil, err
		}
		if owned != nil {
			return &domain.GrantResult{Entitlement: *owned, AlreadyOwned: true}, nil
		}
	}
	return nil, nil
}

func (s *Service) grant(ctx context.Context, userID string, sku *catalogdomain.SKU, ref *domain.OrderRef, key string) (*domain.GrantResult, error) {
	var (
		result  *domain.GrantResult
		order   *domain.Order
		created bool
	)

	err := s.runner.Run(ctx, func(tx *gorm.DB) error {
		result, order, created = nil, nil, false

		current, err := s.catalog.GetTx(ctx, tx, sku.ID)
		if err != nil {
			return err
		}
		if !current.IsActive {
			return catalogdomain.ErrSKUInactive
		}

		if existing, err := s.repo.FindByIdempotencyKey(ctx, tx, key); err != nil {
			return err
		} else if existing != nil {
			result = &domain.GrantResult{Entitlement: *existing}
			return nil
		}

		if current.SingleOwner() {
			owned, err := s.repo.FindActiveDurable(ctx, tx, userID, current.ID)
			if err != nil {
				return err
			}
			if owned != nil {
				result = &domain.GrantResult{Entitlement: *owned, AlreadyOwned: true}
				return nil
			}
		}

		now := s.clock.Now()
		var orderID *snowflake.ID
		if ref != nil {
			candidate := &domain.Order{
				ID:              s.genID.Generate(),
				UserID:          userID,
				SKUID:           current.ID,
				Provider:        ref.Provider,
				ProviderOrderID: ref.ProviderOrderID,
				Amount:          ref.Amount,
				Currency:        ref.Currency,
				Status:          domain.OrderStatusVerified,
				IdempotencyKey:  key,
				VerifiedAt:      &now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			res, err := db.CreateOrFetch(ctx, tx, candidate, func(tx *gorm.DB) (*domain.Order, error) {
				existing, err := s.repo.FindOrderByKey(ctx, tx, key)
				if err != nil || existing != nil {
					return existing, err
				}
				return s.repo.FindOrderByProviderRef(ctx, tx, candidate.Provider, candidate.ProviderOrderID)
			})
			if err != nil {
				return err
			}
			if !res.Created {
				existing := res.Row
				if existing.UserID != userID || existing.SKUID != current.ID {
					return domain.ErrOrderMismatch
				}
				ent, err := s.repo.FindByOrder(ctx, tx, existing.ID)
				if err != nil {
					return err
				}
				if ent == nil {
					return fmt.Errorf("%w: order %s has no entitlement yet", db.ErrRetryable, existing.ID)
				}
				result = &domain.GrantResult{Entitlement: *ent}
				return nil
			}
			order = res.Row
			orderID = &order.ID
		}

		candidate := &domain.Entitlement{
			ID:             s.genID.Generate(),
			UserID:         userID,
			SKUID:          current.ID,
			OrderID:        orderID,
			Durable:        current.SingleOwner(),
			Status:         domain.StatusActive,
			IdempotencyKey: key,
			Quantity:       current.Quantity,
			GrantedAt:      now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res, err := db.CreateOrFetch(ctx, tx, candidate, func(tx *gorm.DB) (*domain.Entitlement, error) {
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, key)
			if err != nil || existing != nil || !candidate.Durable {
				return existing, err
			}
			return s.repo.FindActiveDurable(ctx, tx, userID, current.ID)
		})
		if err != nil {
			return err
		}
		if !res.Created {
			if order != nil {
				// The order row must not outlive a grant that lost its race.
				return fmt.Errorf("%w: entitlement for %s granted concurrently", db.ErrRetryable, key)
			}
			result = &domain.GrantResult{Entitlement: *res.Row, AlreadyOwned: res.Row.IdempotencyKey != key}
			return nil
		}

		ent := res.Row
		_, err = s.ledger.Append(ctx, tx, ledgerdomain.AppendRequest{
			Holding: ledgerdomain.Holding{
				ID:      ent.ID,
				UserID:  ent.UserID,
				SKUID:   ent.SKUID,
				OrderID: ent.OrderID,
				Status:  string(ent.Status),
				Kind:    string(current.Kind),
			},
			ChangeType: ledgerdomain.ChangeTypeGrant,
			Quantity:   ent.Quantity,
			OrderID:    ent.OrderID,
		})
		if err != nil {
			return err
		}

		result = &domain.GrantResult{Entitlement: *ent}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case created:
		s.afterGrant(ctx, result.Entitlement, order)
	case result.AlreadyOwned:
		s.metrics.RecordGrant(ctx, outcomeAlreadyOwned)
		s.log.Info("durable sku already owned",
			zap.String("user_id", userID),
			zap.String("sku_id", sku.ID),
			zap.String("entitlement_id", result.Entitlement.ID.String()),
		)
	default:
		s.metrics.RecordGrant(ctx, string(idempotency.SourceDurable))
	}
	return result, nil
}

func (s *Service) afterGrant(ctx context.Context, ent domain.Entitlement, order *domain.Order) {
	s.metrics.RecordGrant(ctx, outcomeCreated)
	s.metrics.RecordLedgerEntry(ctx, string(ledgerdomain.ChangeTypeGrant))

	fields := []zap.Field{
		zap.String("entitlement_id", ent.ID.String()),
		zap.String("user_id", ent.UserID),
		zap.String("sku_id", ent.SKUID),
		zap.Int64("quantity", ent.Quantity),
	}
	metadata := map[string]any{
		"sku_id":   ent.SKUID,
		"quantity": ent.Quantity,
	}
	if order != nil {
		fields = append(fields, zap.String("order_id", order.ID.String()))
		metadata["order_id"] = order.ID.String()
		metadata["provider"] = order.Provider
		metadata["provider_order_id"] = order.ProviderOrderID
	}
	s.log.Info("entitlement granted", fields...)

	if s.auditSvc != nil {
		s.auditSvc.Record(ctx, auditdomain.Entry{
			Action:       "entitlement.granted",
			ResourceType: "entitlement",
			ResourceID:   ent.ID.String(),
			NewValue:     ent,
			Metadata:     metadata,
		})
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Entitlement, error) {
	if id == 0 {
		return nil, domain.ErrEntitlementNotFound
	}
	ent, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, domain.ErrEntitlementNotFound
	}
	return ent, nil
}

func (s *Service) ListActive(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	items, err := s.repo.ListActiveByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Entitlement{}
	}
	return items, nil
}

func (s *Service) Revoke(ctx context.Context, req domain.RevokeRequest) (*domain.Entitlement, error) {
	if req.EntitlementID == 0 {
		return nil, domain.ErrEntitlementNotFound
	}
	if req.Reason != domain.RevocationBan && req.Reason != domain.RevocationManual {
		return nil, domain.ErrInvalidReason
	}

	var before, after domain.Entitlement
	err := s.runner.Run(ctx, func(tx *gorm.DB) error {
		ent, err := s.repo.LockByID(ctx, tx, req.EntitlementID)
		if err != nil {
			return err
		}
		if ent == nil {
			return domain.ErrEntitlementNotFound
		}
		if !ent.Active() {
			return domain.ErrEntitlementNotActive
		}
		before = *ent
		if err := s.RevokeTx(ctx, tx, ent, req.Reason, s.clock.Now()); err != nil {
			return err
		}
		after = *ent
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("entitlement revoked",
		zap.String("entitlement_id", after.ID.String()),
		zap.String("reason", string(req.Reason)),
	)
	if s.auditSvc != nil {
		s.auditSvc.Record(ctx, auditdomain.Entry{
			Action:       "entitlement.revoked",
			ResourceType: "entitlement",
			ResourceID:   after.ID.String(),
			OldValue:     before,
			NewValue:     after,
			Metadata:     map[string]any{"reason": string(req.Reason)},
		})
	}
	return &after, nil
}

func (s *Service) FindOrder(ctx context.Context, ref domain.OrderRef) (*domain.Order, error) {
	var (
		order *domain.Order
		err   error
	)
	switch {
	case ref.ID != 0:
		order, err = s.repo.FindOrderByID(ctx, s.db, ref.ID)
	case strings.TrimSpace(ref.Provider) != "" && strings.TrimSpace(ref.ProviderOrderID) != "":
		order, err = s.repo.FindOrderByProviderRef(ctx, s.db, ref.Provider, ref.ProviderOrderID)
	default:
		return nil, domain.ErrInvalidOrderRef
	}
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) LockOrderTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	order, err := s.repo.LockOrder(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// TransitionOrderTx moves order forward and updates it in place. A row that
// changed under the caller is reported as retryable.
func (s *Service) TransitionOrderTx(ctx context.Context, tx *gorm.DB, order *domain.Order, to domain.OrderStatus, at time.Time) error {
	if order == nil {
		return domain.ErrOrderNotFound
	}
	if !order.Status.CanTransition(to) {
		return domain.ErrInvalidTransition
	}

	fields := map[string]any{
		"status":     string(to),
		"updated_at": at,
	}
	switch to {
	case domain.OrderStatusVerified:
		fields["verified_at"] = at
	case domain.OrderStatusRefunded:
		fields["refunded_at"] = at
	}

	rows, err := s.repo.UpdateOrderStatus(ctx, tx, order.ID, order.Status, fields)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: order %s left status %s", db.ErrRetryable, order.ID, order.Status)
	}

	order.Status = to
	order.UpdatedAt = at
	switch to {
	case domain.OrderStatusVerified:
		order.VerifiedAt = &at
	case domain.OrderStatusRefunded:
		order.RefundedAt = &at
	}
	return nil
}

func (s *Service) LockActiveForOrderTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, skuID string) ([]domain.Entitlement, error) {
	return s.repo.LockActiveByOrder(ctx, tx, orderID, strings.TrimSpace(skuID))
}

func (s *Service) GrantedForOrderTx(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) ([]domain.Entitlement, error) {
	return s.repo.ListByOrder(ctx, tx, orderID)
}

func (s *Service) RevokeTx(ctx context.Context, tx *gorm.DB, ent *domain.Entitlement, reason domain.RevocationReason, at time.Time) error {
	if ent == nil {
		return domain.ErrEntitlementNotFound
	}
	if !reason.Valid() {
		return domain.ErrInvalidReason
	}
	rows, err := s.repo.Revoke(ctx, tx, ent.ID, reason, at)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: entitlement %s is no longer active", db.ErrRetryable, ent.ID)
	}

	ent.Status = domain.StatusRevoked
	ent.RevokedAt = &at
	ent.RevocationReason = &reason
	ent.UpdatedAt = at
	return nil
}

func normalizeOrderRef(ref *domain.OrderRef) (*domain.OrderRef, error) {
	if ref == nil {
		return nil, nil
	}
	out := *ref
	out.Provider = strings.ToLower(strings.TrimSpace(out.Provider))
	out.ProviderOrderID = strings.TrimSpace(out.ProviderOrderID)
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if out.Provider == "" || out.ProviderOrderID == "" {
		return nil, domain.ErrInvalidOrderRef
	}
	if out.Amount.IsNegative() {
		return nil, domain.ErrInvalidOrderRef
	}
	return &out, nil
}
