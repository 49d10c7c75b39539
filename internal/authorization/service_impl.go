package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOrder       = "order"
	ObjectEntitlement = "entitlement"
	ObjectSKU         = "sku"
	ObjectAuditLog    = "audit_log"
	ObjectLedger      = "ledger"
)

const (
	ActionOrderRefund       = "order.refund"
	ActionEntitlementRevoke = "entitlement.revoke"
	ActionSKUCreate         = "sku.create"
	ActionSKUUpdate         = "sku.update"
	ActionAuditLogView      = "audit_log.view"
	ActionLedgerVerify      = "ledger.verify"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleAuditor = "auditor"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Recorder `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Recorder
}

// NewEnforcer loads stored policies through the gorm adapter and seeds the
// built-in role grants.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" {
		return ErrInvalidActor
	}
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" {
		return ErrInvalidRole
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := "actor:" + actorID
	if err := s.ensureGrouping(subject, "role:"+role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("actor_id", actorID),
			zap.String("role", role),
			zap.String("action", action),
		)
		s.audit(ctx, actorID, role, "authorization.denied", object, action)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping keeps the stored role link in step with the role the
// gateway asserted on this request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, actorID, role, name, object, action string) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:    string(auditdomain.ActorTypeAdmin),
		ActorID:      actorID,
		Action:       name,
		ResourceType: "authorization",
		ResourceID:   fmt.Sprintf("%s:%s", object, action),
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"role":   role,
		},
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support agents handle player tickets.
		{"role:support", ObjectOrder, ActionOrderRefund},
		{"role:support", ObjectEntitlement, ActionEntitlementRevoke},
		{"role:support", ObjectAuditLog, ActionAuditLogView},

		{"role:auditor", ObjectAuditLog, ActionAuditLogView},
		{"role:auditor", ObjectLedger, ActionLedgerVerify},

		{"role:admin", ObjectOrder, ActionOrderRefund},
		{"role:admin", ObjectEntitlement, ActionEntitlementRevoke},
		{"role:admin", ObjectSKU, ActionSKUCreate},
		{"role:admin", ObjectSKU, ActionSKUUpdate},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
		{"role:admin", ObjectLedger, ActionLedgerVerify},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
