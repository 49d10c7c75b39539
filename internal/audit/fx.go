package audit

import (
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/audit/repository"
	"github.com/smallbiznis/commerce/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(
		service.NewService,
		fx.As(new(auditdomain.Service)),
		fx.As(new(auditdomain.Recorder)),
	)),
)
