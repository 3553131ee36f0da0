// Package postgresql provides PostgreSQL persistence implementation for entities, workflow instances and the outbox.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return NewWithDB(database, logger), nil
}

// NewWithDB wraps an already opened and migrated database.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{db: db, logger: logger}
}

// WithinTx runs fn inside a database transaction.
func (p *Persistence) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(ctx, &transaction{q: sqlTx, logger: p.logger})
	if err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rbErr)
		}

		return err
	}

	err = sqlTx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// SchemaVersion reports the applied and the latest known migration version.
func (p *Persistence) SchemaVersion(ctx context.Context) (int, int, error) {
	manager := sqlbase.NewMigrationManager(p.logger, p.db, migrations())

	current, err := manager.CurrentVersion(ctx)
	if err != nil {
		return 0, 0, err
	}

	return current, manager.LatestVersion(), nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type transaction struct {
	q      querier
	logger *slog.Logger
}

func (t *transaction) Entities() persistence.EntityRepository {
	return NewEntityRepository(t.q, t.logger)
}

func (t *transaction) Versions() persistence.VersionRepository {
	return NewVersionRepository(t.q, t.logger)
}

func (t *transaction) AuditLogs() persistence.AuditRepository {
	return NewAuditRepository(t.q, t.logger)
}

func (t *transaction) Instances() persistence.InstanceRepository {
	return NewInstanceRepository(t.q, t.logger)
}

func (t *transaction) Steps() persistence.StepRepository {
	return NewStepRepository(t.q, t.logger)
}

func (t *transaction) Outbox() persistence.OutboxRepository {
	return NewOutboxRepository(t.q, t.logger)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

// prefixed qualifies every column of a column list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = " " + alias + "." + strings.TrimSpace(part)
	}

	return strings.Join(parts, "\n\t\t  ,")
}
