package migration

import (
	"github.com/smallbiznis/promosale/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates postgres on startup. sqlite is a dev setup whose tables come
// from gorm AutoMigrate in tests.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if cfg.DBType != "postgres" {
			log.Info("migration.skipped", zap.String("db_type", cfg.DBType))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		_, err = RunMigrations(sqlDB, log)
		return err
	}),
)
