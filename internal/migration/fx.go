package migration

import (
	"strings"

	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !cfg.DBAutoMigrate {
			return nil
		}
		if !strings.EqualFold(cfg.DBType, "postgres") {
			log.Warn("schema migrations only ship for postgres; skipping", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if !cfg.IsProduction() {
			return seed.EnsureCatalog(conn, seed.DevCatalog())
		}
		return nil
	}),
)
