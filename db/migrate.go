package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/logger"
)

// MigrationsFS holds the schema migrations applied by Migrate.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// newMigrator opens a dedicated connection for golang-migrate. The migrate
// driver closes its database handle on Close, so it never shares the
// store's pool.
func newMigrator(path string) (*migrate.Migrate, error) {
	conn, err := sql.Open("sqlite", dsn(path, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations to the database at path.
func Migrate(path string) error {
	m, err := newMigrator(path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Database: Schema is up to date", "path", path)
			return nil
		}
		return fmt.Errorf("%w: %v", consts.ErrDBMigrationFailed, err)
	}

	version, _, _ := m.Version()
	logger.Info("Database: Migrations applied", "path", path, "version", version)
	return nil
}

// MigrationVersion reports the applied schema version. A database without
// any migration returns version 0.
func MigrationVersion(path string) (version uint, dirty bool, err error) {
	m, err := newMigrator(path)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
