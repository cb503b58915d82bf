// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package migration applies the relational store's versioned schema using
// golang-migrate, against the embedded sqlite migration set below.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var migrationsFS embed.FS

// Info describes the current migration state of a database.
type Info struct {
	CurrentVersion uint
	Dirty          bool
}

// Migrator applies and inspects the relational store's schema version.
type Migrator struct {
	migrate *migrate.Migrate
}

// Open builds a Migrator against db, using the schema's own *sql.DB handle
// rather than opening a second connection to the same file.
func Open(db *sql.DB, tableName string) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("migration: db is required")
	}
	if tableName == "" {
		tableName = "schema_migrations"
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: tableName})
	if err != nil {
		return nil, fmt.Errorf("migration: create database driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return nil, fmt.Errorf("migration: create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("migration: create migrate instance: %w", err)
	}

	return &Migrator{migrate: m}, nil
}

// Up applies every pending migration. It is safe to call on every boot: a
// fully-migrated database returns migrate.ErrNoChange, which Up swallows.
func (m *Migrator) Up(ctx context.Context) error {
	_ = ctx
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: up: %w", err)
	}
	return nil
}

// Version reports the current schema version, or (0, false, nil) on a
// freshly created database with no migrations applied yet.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	_ = ctx
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("migration: version: %w", err)
	}
	return version, dirty, nil
}

// Info returns the current version and dirty flag as a single value.
func (m *Migrator) Info(ctx context.Context) (*Info, error) {
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	return &Info{CurrentVersion: version, Dirty: dirty}, nil
}

// Close releases the migrator's source and database driver handles. It does
// not close the *sql.DB passed to Open, which the caller still owns.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("migration: close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migration: close database: %w", dbErr)
	}
	return nil
}

// WaitForLock retries Up every 200ms until it succeeds, ctx is done, or
// timeout passes. It retries on any error Up returns, not only on the
// migration lock being held by another process.
func WaitForLock(ctx context.Context, m *Migrator, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := m.Up(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
