package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/idempotency"
	"github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Runner      *db.Runner
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Coordinator *idempotency.Coordinator `optional:"true"`
	AuditSvc    auditdomain.Recorder     `optional:"true"`
	Metrics     *metrics.Metrics         `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	runner      *db.Runner
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	coordinator *idempotency.Coordinator
	auditSvc    auditdomain.Recorder
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		runner:      p.Runner,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		coordinator: p.Coordinator,
		auditSvc:    p.AuditSvc,
		metrics:     p.Metrics,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, req domain.AppendRequest) (*domain.Entry, error) {
	if req.Holding.ID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	if !req.ChangeType.Valid() {
		return nil, domain.ErrInvalidChangeType
	}
	if req.Quantity == 0 || req.ChangeType.Credit() != (req.Quantity > 0) {
		return nil, domain.ErrInvalidQuantity
	}

	last, err := s.repo.Last(ctx, tx, req.Holding.ID)
	if err != nil {
		return nil, err
	}
	sequence, balance := int64(1), int64(0)
	if last != nil {
		sequence = last.Sequence + 1
		balance = last.BalanceAfter
	}

	after := balance + req.Quantity
	if after < 0 && req.ChangeType != domain.ChangeTypeClawback {
		return nil, domain.ErrInsufficientBalance
	}

	entry := &domain.Entry{
		ID:            s.genID.Generate(),
		UserID:        req.Holding.UserID,
		SKUID:         req.Holding.SKUID,
		EntitlementID: req.Holding.ID,
		Sequence:      sequence,
		ChangeType:    req.ChangeType,
		Quantity:      req.Quantity,
		BalanceAfter:  after,
		OrderID:       req.OrderID,
		CreatedAt:     s.clock.Now(),
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		entry.IdempotencyKey = &key
	}

	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) Lock(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (*domain.Holding, error) {
	holding, err := s.repo.LockEntitlement(ctx, tx, entitlementID)
	if err != nil {
		return nil, err
	}
	if holding == nil {
		return nil, domain.ErrEntitlementNotFound
	}
	return holding, nil
}

func (s *Service) Remaining(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (int64, error) {
	totals, err := s.repo.Totals(ctx, tx, entitlementID)
	if err != nil {
		return 0, err
	}
	return totals.Remaining(), nil
}

// Spend consumes units of an active consumable entitlement. With an
// idempotency key, repeated calls return the first entry.
func (s *Service) Spend(ctx context.Context, req domain.SpendRequest) (*domain.Entry, error) {
	if req.EntitlementID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return s.spend(ctx, req, "")
	}
	key = "spend:" + key

	var entry *domain.Entry
	if s.coordinator == nil {
		spent, err := s.spend(ctx, req, key)
		if err != nil {
			return nil, err
		}
		entry = spent
	} else {
		out, err := idempotency.Resolve(ctx, s.coordinator, key, idempotency.Ops[domain.Entry]{
			Lookup: func(ctx context.Context) (*domain.Entry, error) {
				return s.repo.FindByIdempotencyKey(ctx, s.db, key)
			},
			Compute: func(ctx context.Context) (*domain.Entry, error) {
				return s.spend(ctx, req, key)
			},
		})
		if err != nil {
			return nil, err
		}
		entry = out.Value
	}

	if entry.EntitlementID != req.EntitlementID || entry.Quantity != -req.Quantity {
		s.log.Warn("idempotency key reused for a different spend",
			zap.String("entitlement_id", req.EntitlementID.String()),
			zap.String("recorded_entitlement_id", entry.EntitlementID.String()),
			zap.Int64("quantity", req.Quantity),
		)
		return nil, idempotency.ErrKeyReused
	}
	return entry, nil
}

func (s *Service) spend(ctx context.Context, req domain.SpendRequest, key string) (*domain.Entry, error) {
	var (
		entry   *domain.Entry
		created bool
	)
	err := s.runner.Run(ctx, func(tx *gorm.DB) error {
		entry, created = nil, false
		if key != "" {
			existing, err := s.repo.FindByIdempotencyKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if existing != nil {
				entry = existing
				return nil
			}
		}

		holding, err := s.Lock(ctx, tx, req.EntitlementID)
		if err != nil {
			return err
		}
		if !holding.Active() {
			return domain.ErrEntitlementInactive
		}
		if !holding.Consumable() {
			return domain.ErrEntitlementNotConsumable
		}

		entry, err = s.Append(ctx, tx, domain.AppendRequest{
			Holding:        *holding,
			ChangeType:     domain.ChangeTypeSpend,
			Quantity:       -req.Quantity,
			OrderID:        holding.OrderID,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.RecordLedgerEntry(ctx, string(domain.ChangeTypeSpend))
		s.log.Info("entitlement spent",
			zap.String("entitlement_id", entry.EntitlementID.String()),
			zap.Int64("quantity", req.Quantity),
			zap.Int64("balance_after", entry.BalanceAfter),
		)
		if s.auditSvc != nil {
			s.auditSvc.Record(ctx, auditdomain.Entry{
				Action:       "ledger.spent",
				ResourceType: "entitlement",
				ResourceID:   entry.EntitlementID.String(),
				NewValue:     entry,
			})
		}
	}
	return entry, nil
}

func (s *Service) Balance(ctx context.Context, entitlementID snowflake.ID) (int64, error) {
	last, err := s.repo.Last(ctx, s.db, entitlementID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.BalanceAfter, nil
}

func (s *Service) Entries(ctx context.Context, entitlementID snowflake.ID) ([]domain.Entry, error) {
	if entitlementID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	return s.repo.ListByEntitlement(ctx, s.db, entitlementID)
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.ListResponse{}, domain.ErrInvalidRequest
	}
	if req.ChangeType != "" && !req.ChangeType.Valid() {
		return domain.ListResponse{}, domain.ErrInvalidChangeType
	}

	var cursorID *snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil || decoded == nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		cursorID = &id
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		UserID:     userID,
		ChangeType: req.ChangeType,
		CursorID:   cursorID,
		Limit:      limit,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Entry) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String()}
	})
	return domain.ListResponse{PageInfo: *pageInfo, Entries: flatten(items)}, nil
}

// Debt lists a user's clawbacks and sums the balances still below zero.
func (s *Service) Debt(ctx context.Context, userID string) (domain.DebtReport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.DebtReport{}, domain.ErrInvalidRequest
	}

	clawbacks, err := s.repo.List(ctx, s.db, domain.ListFilter{
		UserID:     userID,
		ChangeType: domain.ChangeTypeClawback,
	})
	if err != nil {
		return domain.DebtReport{}, err
	}

	balances, err := s.repo.NegativeBalances(ctx, s.db, userID)
	if err != nil {
		return domain.DebtReport{}, err
	}
	var total int64
	for _, b := range balances {
		total += -b.BalanceAfter
	}

	return domain.DebtReport{
		UserID:    userID,
		Entries:   flatten(clawbacks),
		TotalDebt: total,
	}, nil
}

func (s *Service) Verify(ctx context.Context, entitlementID snowflake.ID) error {
	entries, err := s.Entries(ctx, entitlementID)
	if err != nil {
		return err
	}
	return domain.VerifyReplay(entries)
}

func flatten(items []*domain.Entry) []domain.Entry {
	out := make([]domain.Entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, *item)
	}
	return out
}
