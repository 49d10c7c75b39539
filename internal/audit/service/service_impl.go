package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/audit/masking"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const writeTimeout = 5 * time.Second

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Repo      auditdomain.Repository
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    auditdomain.Repository
	metrics *metrics.Metrics
	spool   *spool
}

func NewService(p Params) *Service {
	s := &Service{
		db:      p.DB,
		log:     p.Log.Named("audit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
	s.spool = newSpool(s, p.Config.Audit)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.spool.start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				s.spool.stop(ctx)
				return nil
			},
		})
	}
	return s
}

// Record writes entry outside of any business transaction. Failures are
// logged and handed to the retry spool.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) {
	log := s.log
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		log.Warn("audit entry without action dropped")
		return
	}

	row := s.build(ctx, entry)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.repo.Insert(writeCtx, s.db, row); err != nil {
		log.Warn("failed to write audit log; spooling for retry",
			zap.String("action", action),
			zap.String("audit_id", row.ID.String()),
			zap.Error(err),
		)
		s.spool.enqueue(row)
	}
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursorID *snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil || decoded == nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursorID = &id
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ActorType:    req.ActorType,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		CursorID:     cursorID,
		Limit:        limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		}
	})

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	return auditdomain.ListAuditLogResponse{PageInfo: *pageInfo, AuditLogs: logs}, nil
}

// Drain retries every spooled record once and returns how many remain.
func (s *Service) Drain(ctx context.Context) int {
	return s.spool.drain(ctx)
}

func (s *Service) build(ctx context.Context, entry auditdomain.Entry) *auditdomain.AuditLog {
	actorType, actorID := resolveActor(ctx, entry.ActorType, entry.ActorID)

	row := &auditdomain.AuditLog{
		ID:           s.genID.Generate(),
		ActorType:    actorType,
		ActorID:      optional(actorID),
		Action:       strings.TrimSpace(entry.Action),
		ResourceType: strings.TrimSpace(entry.ResourceType),
		ResourceID:   optional(entry.ResourceID),
		OldValue:     s.encode(entry.OldValue),
		NewValue:     s.encode(entry.NewValue),
		RequestID:    optional(obscontext.RequestIDFromContext(ctx)),
		CreatedAt:    s.clock.Now(),
	}
	if row.ResourceType == "" {
		row.ResourceType = "unknown"
	}
	if masked := masking.MaskMetadata(entry.Metadata); masked != nil {
		row.Metadata = datatypes.JSONMap(masked)
	}
	return row
}

func (s *Service) encode(value any) datatypes.JSON {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("audit value not serialisable", zap.Error(err))
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return datatypes.JSON(raw)
}

func resolveActor(ctx context.Context, actorType, actorID string) (string, string) {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" {
		if ctxType, ctxID := obscontext.ActorFromContext(ctx); ctxType != "" {
			actorType = ctxType
			if actorID == "" {
				actorID = ctxID
			}
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	return actorType, actorID
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
