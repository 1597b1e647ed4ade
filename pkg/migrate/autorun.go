package migrate

import (
	"context"
	"fmt"

	"github.com/rbrinkke/notifications-service/pkg/config"
	"github.com/rbrinkke/notifications-service/pkg/db"
	"github.com/rbrinkke/notifications-service/pkg/logger"
)

// MaybeRunDev executes migrations automatically when the worker is running
// in development mode with AUTO_MIGRATE enabled. Production deployments
// apply the schema out of band.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.DB.AutoMigrate {
		return nil
	}

	sqlDB, err := client.SQLDB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": DefaultDir})
	logg.Info(ctx, "running Goose migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "Goose migrations completed")
	return nil
}
