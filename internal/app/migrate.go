package app

import (
	"context"
	"errors"

	"order-settlement-engine/internal/storage"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn is required for migrate")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}

	if applied == 0 {
		a.Logger.Info().Msg("schema is up to date")
		return nil
	}
	a.Logger.Info().Int("applied", applied).Msg("migrations applied")
	return nil
}
