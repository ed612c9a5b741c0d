package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// AuditExporter writes terminal task history to a DuckDB file for offline
// analysis. Only terminal tasks are exported; pending and running tasks are
// still in flight and not part of the audit trail.
type AuditExporter struct {
	db *sql.DB
}

// NewAuditExporter opens (or creates) the DuckDB database at dbPath.
func NewAuditExporter(dbPath string) (*AuditExporter, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	exporter := &AuditExporter{db: db}
	if err := exporter.createTables(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return exporter, nil
}

func (e *AuditExporter) createTables(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR PRIMARY KEY,
			kind VARCHAR,
			tenant_id VARCHAR,
			project_id VARCHAR,
			status VARCHAR,
			dry_run BOOLEAN,
			progress INTEGER,
			message VARCHAR,
			result JSON,
			error JSON,
			created_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}
	return nil
}

// ExportTasks writes the terminal tasks from the given set, replacing rows
// that were exported before. Returns the number of rows written.
func (e *AuditExporter) ExportTasks(ctx context.Context, tasks []*types.Task) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO tasks
			(id, kind, tenant_id, project_id, status, dry_run, progress,
			 message, result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, task := range tasks {
		if !task.Terminal() {
			continue
		}
		var resultJSON, errorJSON any
		if task.Result != nil {
			data, err := json.Marshal(task.Result)
			if err != nil {
				return written, fmt.Errorf("failed to marshal result for task %s: %w", task.ID, err)
			}
			resultJSON = string(data)
		}
		if task.Error != nil {
			data, err := json.Marshal(task.Error)
			if err != nil {
				return written, fmt.Errorf("failed to marshal error for task %s: %w", task.ID, err)
			}
			errorJSON = string(data)
		}
		var startedAt, completedAt any
		if task.StartedAt != nil {
			startedAt = *task.StartedAt
		}
		if task.CompletedAt != nil {
			completedAt = *task.CompletedAt
		}
		if _, err := stmt.ExecContext(ctx,
			task.ID, string(task.Kind), task.Scope.TenantID, task.Scope.ProjectID,
			string(task.Status), task.DryRun, task.Progress, task.Message,
			resultJSON, errorJSON, task.CreatedAt, startedAt, completedAt,
		); err != nil {
			return written, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("failed to commit export: %w", err)
	}
	return written, nil
}

// Close closes the underlying database.
func (e *AuditExporter) Close() error {
	return e.db.Close()
}
