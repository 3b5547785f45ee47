// Package migrations versions the scheduler's postgres schema
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Migration represents a database migration
type Migration struct {
	ID        string
	Name      string
	UpSQL     string
	DownSQL   string
	CreatedAt time.Time
}

// All returns the scheduler schema migrations in apply order
func All() []*Migration {
	return []*Migration{InitialSchema, RetentionPolicies}
}

// Migrator manages database migrations
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Migrator
func New(db *sql.DB) *Migrator {
	return &Migrator{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithLogger sets the logger used to report applied migrations
func (m *Migrator) WithLogger(l *slog.Logger) *Migrator {
	m.logger = l
	return m
}

// Initialize creates the migrations table if it doesn't exist
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// GetAppliedMigrations returns the names of applied migrations
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name FROM migrations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			m.logger.Warn("error closing rows", slog.String("error", cerr.Error()))
		}
	}()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Pending returns the migrations not applied yet, in order
func (m *Migrator) Pending(ctx context.Context, migrations []*Migration) ([]*Migration, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var pending []*Migration
	for _, migration := range migrations {
		if !applied[migration.Name] {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// executeMigration runs a migration statement and its bookkeeping in one transaction
func (m *Migrator) executeMigration(ctx context.Context, migration *Migration, stmt, recordQuery string, recordArgs ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			m.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
	}

	if _, err := tx.ExecContext(ctx, recordQuery, recordArgs...); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}

	return tx.Commit()
}

// ApplyMigration applies a single migration
func (m *Migrator) ApplyMigration(ctx context.Context, migration *Migration) error {
	return m.executeMigration(ctx,
		migration,
		migration.UpSQL,
		"INSERT INTO migrations (name) VALUES ($1)",
		migration.Name,
	)
}

// RollbackMigration rolls back a single migration
func (m *Migrator) RollbackMigration(ctx context.Context, migration *Migration) error {
	return m.executeMigration(ctx,
		migration,
		migration.DownSQL,
		"DELETE FROM migrations WHERE name = $1",
		migration.Name,
	)
}

// Migrate applies all pending migrations
func (m *Migrator) Migrate(ctx context.Context, migrations []*Migration) error {
	pending, err := m.Pending(ctx, migrations)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		if err := m.ApplyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
		m.logger.Info("applied migration", slog.String("name", migration.Name))
	}

	return nil
}

// Rollback rolls back the last applied migration
func (m *Migrator) Rollback(ctx context.Context, migrations []*Migration) error {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var lastMigration *Migration
	for i := len(migrations) - 1; i >= 0; i-- {
		if applied[migrations[i].Name] {
			lastMigration = migrations[i]
			break
		}
	}

	if lastMigration == nil {
		return fmt.Errorf("no migrations to rollback")
	}

	if err := m.RollbackMigration(ctx, lastMigration); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", lastMigration.Name, err)
	}

	m.logger.Info("rolled back migration", slog.String("name", lastMigration.Name))
	return nil
}
