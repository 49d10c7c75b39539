package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/commerce/internal/audit"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/authorization"
	"github.com/smallbiznis/commerce/internal/cache"
	"github.com/smallbiznis/commerce/internal/catalog"
	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/internal/idempotency"
	"github.com/smallbiznis/commerce/internal/ledger"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/smallbiznis/commerce/internal/observability"
	obsmiddleware "github.com/smallbiznis/commerce/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/commerce/internal/observability/metrics"
	obstracing "github.com/smallbiznis/commerce/internal/observability/tracing"
	"github.com/smallbiznis/commerce/internal/payment"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/ratelimit"
	"github.com/smallbiznis/commerce/internal/refund"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
	"github.com/smallbiznis/commerce/internal/scheduler"
	"github.com/smallbiznis/commerce/internal/signal"
	signaldomain "github.com/smallbiznis/commerce/internal/signal/domain"
	"github.com/smallbiznis/commerce/internal/webhooklock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	cache.Module,
	idempotency.Module,
	webhooklock.Module,
	ratelimit.Module,
	audit.Module,
	authorization.Module,
	catalog.Module,
	ledger.Module,
	entitlement.Module,
	refund.Module,
	payment.Module,
	signal.Module,
	scheduler.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg)))
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{ErrorClassifier: classifyErrorForLog}))
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ActorContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsConfig(cfg config.Config) cors.Config {
	out := cors.DefaultConfig()
	out.AllowHeaders = append(out.AllowHeaders, "Authorization", HeaderIdempotencyKey, HeaderActorID, HeaderActorRole)
	out.ExposeHeaders = []string{"X-Request-Id", "Retry-After"}
	if len(cfg.CORSAllowOrigins) == 0 {
		out.AllowAllOrigins = true
	} else {
		out.AllowOrigins = cfg.CORSAllowOrigins
	}
	return out
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	log            *zap.Logger
	entitlementSvc entitlementdomain.Service
	ledgerSvc      ledgerdomain.Service
	refundSvc      refunddomain.Service
	paymentSvc     paymentdomain.Service
	signalSvc      signaldomain.Service
	catalogSvc     catalogdomain.Service
	authzSvc       authorization.Service
	auditSvc       auditdomain.Service
	webhookLimiter *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Log            *zap.Logger
	EntitlementSvc entitlementdomain.Service
	LedgerSvc      ledgerdomain.Service
	RefundSvc      refunddomain.Service
	PaymentSvc     paymentdomain.Service
	SignalSvc      signaldomain.Service
	CatalogSvc     catalogdomain.Service
	AuthzSvc       authorization.Service
	AuditSvc       auditdomain.Service
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Gin,
		log:            p.Log.Named("http.server"),
		entitlementSvc: p.EntitlementSvc,
		ledgerSvc:      p.LedgerSvc,
		refundSvc:      p.RefundSvc,
		paymentSvc:     p.PaymentSvc,
		signalSvc:      p.SignalSvc,
		catalogSvc:     p.CatalogSvc,
		authzSvc:       p.AuthzSvc,
		auditSvc:       p.AuditSvc,
		webhookLimiter: p.WebhookLimiter,
	}

	s.registerAPIRoutes()
	s.registerWebhookRoutes()
	s.registerAdminRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Catalog --------
	api.GET("/skus", s.ListSKUs)

	// -------- Entitlements --------
	api.POST("/entitlements/grant", s.GrantEntitlement)
	api.GET("/entitlements/:id", s.GetEntitlement)
	api.POST("/entitlements/:id/spend", s.SpendEntitlement)
	api.GET("/entitlements/:id/ledger", s.ListEntitlementLedger)

	// -------- Purchases & Refunds --------
	api.POST("/purchases", s.Purchase)
	api.POST("/refunds", s.Refund)

	// -------- Users --------
	api.GET("/users/:userId/entitlements", s.ListUserEntitlements)
	api.GET("/users/:userId/debt", s.GetUserDebt)
	api.GET("/users/:userId/ledger", s.ListUserLedger)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.limitWebhooks(), s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(AdminRequired())

	admin.POST("/orders/:id/refund", s.authorizeAction(authorization.ObjectOrder, authorization.ActionOrderRefund), s.AdminRefundOrder)
	admin.POST("/entitlements/:id/revoke", s.authorizeAction(authorization.ObjectEntitlement, authorization.ActionEntitlementRevoke), s.AdminRevokeEntitlement)
	admin.GET("/entitlements/:id/verify", s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerVerify), s.AdminVerifyLedger)

	admin.GET("/skus", s.authorizeAction(authorization.ObjectSKU, authorization.ActionSKUUpdate), s.AdminListSKUs)
	admin.POST("/skus", s.authorizeAction(authorization.ObjectSKU, authorization.ActionSKUCreate), s.AdminCreateSKU)
	admin.PATCH("/skus/:id", s.authorizeAction(authorization.ObjectSKU, authorization.ActionSKUUpdate), s.AdminUpdateSKU)

	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
