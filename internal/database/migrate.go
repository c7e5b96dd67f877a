package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/config"
)

// DefaultMigrationsURL is where the SQL migrations live relative to the working directory.
const DefaultMigrationsURL = "file://./migrations"

// RunMigrations applies every pending migration from sourceURL on a
// dedicated connection that is closed afterwards.
func RunMigrations(ctx context.Context, cfg config.DatabaseConfig, sourceURL string, log *zap.Logger) error {
	if log == nil {
		log = zap.L()
	}
	if sourceURL == "" {
		sourceURL = DefaultMigrationsURL
	}

	gormDB, err := Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Named("database").Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
