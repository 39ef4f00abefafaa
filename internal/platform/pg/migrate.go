package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationInfo describes the result of ApplyMigrations.
type MigrationInfo struct {
	Applied        bool
	CurrentVersion uint // before applying
	FinalVersion   uint // after applying
	Dirty          bool
}

// ApplyMigrations applies the migrations found in dir of fsys to the database
// at dsn (postgres:// URL). migrate.ErrNoChange is not an error; a dirty
// database is.
func ApplyMigrations(dsn string, fsys fs.FS, dir string) (MigrationInfo, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		_ = src.Close()
		return MigrationInfo{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	var info MigrationInfo
	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationInfo{}, fmt.Errorf("failed to get current version: %w", err)
	}
	info.CurrentVersion = current
	info.FinalVersion = current
	info.Dirty = dirty
	if dirty {
		return info, fmt.Errorf("database is in dirty state at version %d", current)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if final, _, err := m.Version(); err == nil {
		info.FinalVersion = final
	}
	return info, nil
}
