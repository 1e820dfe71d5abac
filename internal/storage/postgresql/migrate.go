package postgresql

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"ChatAssistant/migrations"
)

// NewMigrator builds a migrate instance over the migrations embedded in the binary.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	const op = "storage.postgres.NewMigrator"

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

// MigrateUp applies pending migrations; an up-to-date schema is not an error.
func MigrateUp(databaseURL string) error {
	const op = "storage.postgres.MigrateUp"

	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
