package provision

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// The fixed business schema every tenant database starts from.
//
//go:embed schema/*.sql
var schemaFS embed.FS

// applyTenantSchema pushes the embedded schema onto a freshly created
// tenant database. dsn carries administrative credentials pointed at the
// new database; the tenant user inherits access through the default
// privileges granted beforehand.
func applyTenantSchema(ctx context.Context, dsn string) error {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse tenant schema dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping tenant database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	src, err := iofs.New(schemaFS, "schema")
	if err != nil {
		return fmt.Errorf("open embedded schema: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply tenant schema: %w", err)
	}
	return nil
}
