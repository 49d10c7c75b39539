package db

import (
	"context"
	"time"

	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/observability"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/observability/metrics"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
	fx.Provide(provideRunner),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	ObsConfig observability.Config `optional:"true"`
	Log       *zap.Logger
}

// New opens the connection pool and installs logging, tracing and stats plugins.
func New(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.NewGormLogger(p.ObsConfig.GormLogger()),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		return nil, err
	}
	if err := conn.Use(gormprom.New(gormprom.Config{
		DBName:          p.Config.DBName,
		RefreshInterval: 15,
	})); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(p.Config.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(p.Config.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(p.Config.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(p.Config.DBConnMaxIdleTime) * time.Second)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		},
		OnStop: func(context.Context) error {
			p.Log.Info("closing database pool")
			return sqlDB.Close()
		},
	})

	return conn, nil
}

type runnerParams struct {
	fx.In

	DB      *gorm.DB
	Config  config.Config
	Policy  *config.PolicyHolder
	Log     *zap.Logger
	Metrics *metrics.HTTPMetrics `optional:"true"`
}

func provideRunner(p runnerParams) *Runner {
	var observer RetryObserver
	if p.Metrics != nil {
		observer = p.Metrics
	}
	return NewRunner(p.DB, RunnerConfig{Isolation: p.Config.DBTxIsolation}, p.Policy, p.Log, observer)
}
