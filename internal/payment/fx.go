package payment

import (
	"github.com/smallbiznis/commerce/internal/payment/adapters"
	"github.com/smallbiznis/commerce/internal/payment/adapters/httpverifier"
	"github.com/smallbiznis/commerce/internal/payment/adapters/stripe"
	paymentservice "github.com/smallbiznis/commerce/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			httpverifier.NewFactory(),
		).WithFallback(httpverifier.NewFactory())
	}),
	fx.Provide(paymentservice.NewService),
)
