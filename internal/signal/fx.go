package signal

import (
	"github.com/smallbiznis/commerce/internal/signal/pubsub"
	"github.com/smallbiznis/commerce/internal/signal/repository"
	"github.com/smallbiznis/commerce/internal/signal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("signal.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewIngestor),
	fx.Provide(pubsub.NewConsumer),
	fx.Invoke(func(*pubsub.Consumer) {}),
)
