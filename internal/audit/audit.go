// Package audit is an optional task-evidence ledger: every task
// execution against a guest is recorded as a durable row, independent
// of the range.json the orchestrator already keeps, so the record
// survives range destruction (the evidence requirement).
//
// Grounded on internal/database/database.go's pgxpool wiring and
// embedded-migration pattern, repurposed from a general application
// schema to one audit table.
package audit

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/cyris-lab/cyris/internal/config"
	"github.com/cyris-lab/cyris/internal/cyriserr"
	"github.com/cyris-lab/cyris/internal/task"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ledger wraps the audit database connection pool.
type Ledger struct {
	pool *pgxpool.Pool
}

// New connects to the audit database described by cfg.
func New(ctx context.Context, cfg config.AuditConfig) (*Ledger, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "audit_init", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "audit_init", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "audit_init", err)
	}
	return &Ledger{pool: pool}, nil
}

func (l *Ledger) Close() { l.pool.Close() }

// Migrate applies the ledger's embedded schema migrations, tracked in
// its own schema_migrations table, following database.DB.Migrate's
// version-gated-transaction pattern.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
	}

	var currentVersion int
	if err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion); err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var version int
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%d_%s", &version, &name); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
		}

		tx, err := l.pool.Begin(ctx)
		if err != nil {
			return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", fmt.Errorf("migration %d: %w", version, err))
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return cyriserr.Wrap(cyriserr.KindInternal, "audit_migrate", err)
		}
	}
	return nil
}

// TaskEvidence is one recorded task execution.
type TaskEvidence struct {
	RangeID    string
	GuestID    string
	TaskKind   string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// RecordTask inserts one task's evidence row.
func (l *Ledger) RecordTask(ctx context.Context, ev TaskEvidence) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO task_evidence (range_id, guest_id, task_kind, exit_code, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.RangeID, ev.GuestID, ev.TaskKind, ev.ExitCode, ev.StartedAt, ev.FinishedAt, ev.Error)
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindTransient, "audit_record", err)
	}
	return nil
}

// AsTaskLedger adapts Ledger to internal/task.Ledger's interface, so an
// Executor can record evidence without the task package importing pgx.
func (l *Ledger) AsTaskLedger() task.Ledger { return taskLedgerAdapter{l} }

type taskLedgerAdapter struct{ l *Ledger }

func (a taskLedgerAdapter) RecordTask(ctx context.Context, ev task.LedgerEvidence) error {
	return a.l.RecordTask(ctx, TaskEvidence{
		RangeID: ev.RangeID, GuestID: ev.GuestID, TaskKind: ev.TaskKind,
		ExitCode: ev.ExitCode, StartedAt: ev.StartedAt, FinishedAt: ev.FinishedAt, Error: ev.Error,
	})
}

// ForRange returns every recorded task evidence row for a range, most
// recent first.
func (l *Ledger) ForRange(ctx context.Context, rangeID string) ([]TaskEvidence, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT range_id, guest_id, task_kind, exit_code, started_at, finished_at, COALESCE(error, '')
		FROM task_evidence
		WHERE range_id = $1
		ORDER BY started_at DESC
	`, rangeID)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindTransient, "audit_query", err)
	}
	defer rows.Close()

	var out []TaskEvidence
	for rows.Next() {
		var ev TaskEvidence
		if err := rows.Scan(&ev.RangeID, &ev.GuestID, &ev.TaskKind, &ev.ExitCode, &ev.StartedAt, &ev.FinishedAt, &ev.Error); err != nil {
			return nil, cyriserr.Wrap(cyriserr.KindInternal, "audit_query", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
