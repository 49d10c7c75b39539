package service

import (
	"context"
	"strings"

	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/cache"
	"github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     domain.Repository
	Cache    cache.CatalogCache   `optional:"true"`
	AuditSvc auditdomain.Recorder `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	cache    cache.CatalogCache
	auditSvc auditdomain.Recorder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("catalog.service"),
		clock:    p.Clock,
		repo:     p.Repo,
		cache:    p.Cache,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.SKU, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrSKUNotFound
	}
	if s.cache != nil {
		if sku, ok := s.cache.GetSKU(id); ok {
			return &sku, nil
		}
	}

	sku, err := s.GetTx(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetSKU(*sku)
	}
	return sku, nil
}

func (s *Service) GetActive(ctx context.Context, id string) (*domain.SKU, error) {
	sku, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sku.IsActive {
		return nil, domain.ErrSKUInactive
	}
	return sku, nil
}

func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, id string) (*domain.SKU, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrSKUNotFound
	}
	sku, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sku == nil {
		return nil, domain.ErrSKUNotFound
	}
	return sku, nil
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.SKU, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = skuCode(name)
	}
	if id == "" {
		return nil, domain.ErrInvalidName
	}

	now := s.clock.Now()
	sku := &domain.SKU{
		ID:        id,
		Name:      name,
		Kind:      req.Kind,
		Quantity:  quantity,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, sku); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSKUExists
		}
		return nil, err
	}

	s.record(ctx, "sku.created", sku.ID, nil, sku)
	return sku, nil
}

func (s *Service) Update(ctx context.Context, id string, req domain.UpdateRequest) (*domain.SKU, error) {
	var before, after *domain.SKU
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}

		fields := map[string]any{}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return domain.ErrInvalidName
			}
			fields["name"] = name
		}
		if req.IsActive != nil {
			fields["is_active"] = *req.IsActive
		}

		frozen := (req.Kind != nil && *req.Kind != current.Kind) ||
			(req.Quantity != nil && *req.Quantity != current.Quantity)
		if frozen {
			referenced, err := s.repo.Referenced(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			if referenced {
				return domain.ErrSKUImmutable
			}
			if req.Kind != nil {
				if !req.Kind.Valid() {
					return domain.ErrInvalidKind
				}
				fields["kind"] = *req.Kind
			}
			if req.Quantity != nil {
				if *req.Quantity < 1 {
					return domain.ErrInvalidQuantity
				}
				fields["quantity"] = *req.Quantity
			}
		}

		if len(fields) == 0 {
			before, after = current, current
			return nil
		}
		fields["updated_at"] = s.clock.Now()
		if err := s.repo.Update(ctx, tx, current.ID, fields); err != nil {
			return err
		}
		updated, err := s.GetTx(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		before, after = current, updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateSKU(after.ID)
	}
	if before != after {
		s.record(ctx, "sku.updated", after.ID, before, after)
	}
	return after, nil
}

func (s *Service) SetActive(ctx context.Context, id string, active bool) (*domain.SKU, error) {
	return s.Update(ctx, id, domain.UpdateRequest{IsActive: &active})
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.SKU, error) {
	return s.repo.List(ctx, s.db, activeOnly)
}

func (s *Service) record(ctx context.Context, action, id string, before, after *domain.SKU) {
	if s.auditSvc == nil {
		return
	}
	entry := auditdomain.Entry{
		Action:       action,
		ResourceType: "sku",
		ResourceID:   id,
		NewValue:     after,
	}
	if before != nil {
		entry.OldValue = before
	}
	s.auditSvc.Record(ctx, entry)
}

// skuCode derives a stable catalog code such as gold_pack from a display name.
func skuCode(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}
