/**
 * @description
 * This file runs the embedded schema migrations at service startup. Goose
 * tracks applied versions in its own table, so running migrations on every
 * boot is idempotent and replicas racing on deploy settle on the same schema.
 *
 * @dependencies
 * - github.com/pressly/goose/v3: The migration runner.
 * - github.com/jackc/pgx/v5/stdlib: database/sql adapter goose requires.
 */

package store

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations using a connection borrowed from
// the pool.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
