package migration

import (
	"github.com/smallbiznis/trailmarket/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg *config.Config) error {
		// sqlite installs (dev mode) create their schema through tests or
		// hand-applied DDL; golang-migrate runs against postgres only.
		if cfg.DBDriver != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
