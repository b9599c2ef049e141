// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// SQLiteBackend persists run snapshots and step results for single-node
// deployments. The runs/step_results tables mirror ExecutionState and
// StepResult directly — no checkpoints, no schedule_states; this system
// has no scheduler or replay-from-checkpoint feature.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/state"
	_ "modernc.org/sqlite"
)

var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend is a SQLite storage backend.
type SQLiteBackend struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteBackend opens (creating if necessary) the database at cfg.Path
// and runs migrations.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &SQLiteBackend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			playbook_name TEXT NOT NULL,
			playbook_path TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER DEFAULT 0,
			total_steps INTEGER DEFAULT 0,
			parameters TEXT,
			variables TEXT,
			debug_mode INTEGER DEFAULT 0,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			metadata TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_playbook_name ON executions(playbook_name)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			attempts INTEGER DEFAULT 0,
			output TEXT,
			screenshot_path TEXT,
			PRIMARY KEY (execution_id, step_id),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution_id ON step_results(execution_id)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordStep upserts one step result, keyed by (execution_id, step_id),
// so retries of the same step simply overwrite the prior attempt's row.
func (b *SQLiteBackend) RecordStep(ctx context.Context, executionID string, result state.StepResult) error {
	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	// step_results references executions(id); until Finalize writes the full
	// row, a placeholder row keeps the foreign key satisfied.
	if _, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (id, playbook_name, playbook_path, status, updated_at)
		VALUES (?, '', '', ?, ?)
	`, executionID, string(state.RunRunning), now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record execution row: %w", err)
	}

	query := `
		INSERT INTO step_results (execution_id, step_id, status, error, started_at, completed_at, attempts, output, screenshot_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_id) DO UPDATE SET
			status=excluded.status, error=excluded.error, started_at=excluded.started_at,
			completed_at=excluded.completed_at, attempts=excluded.attempts,
			output=excluded.output, screenshot_path=excluded.screenshot_path
	`
	_, err = b.db.ExecContext(ctx, query,
		executionID, result.StepID, string(result.Status), nullString(result.Error),
		formatTime(result.StartedAt), formatTime(result.CompletedAt), result.Attempts,
		string(outputJSON), nullString(result.ScreenshotPath),
	)
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	return nil
}

// Finalize upserts the run's snapshot row, replacing its step_results rows
// with the snapshot's authoritative copy so a run recorded entirely via
// Finalize (e.g. a replay) does not retain stale per-step rows.
func (b *SQLiteBackend) Finalize(ctx context.Context, snapshot state.Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	paramsJSON, err := json.Marshal(snapshot.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	varsJSON, err := json.Marshal(snapshot.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	metaJSON, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO executions (id, playbook_name, playbook_path, status, current_step, total_steps,
			parameters, variables, debug_mode, error, started_at, completed_at, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			playbook_name=excluded.playbook_name, playbook_path=excluded.playbook_path, started_at=excluded.started_at,
			status=excluded.status, current_step=excluded.current_step, total_steps=excluded.total_steps,
			parameters=excluded.parameters, variables=excluded.variables, debug_mode=excluded.debug_mode,
			error=excluded.error, completed_at=excluded.completed_at, metadata=excluded.metadata,
			updated_at=excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		snapshot.ExecutionID, snapshot.PlaybookName, snapshot.PlaybookPath, string(snapshot.Status),
		snapshot.CurrentStep, snapshot.TotalSteps, string(paramsJSON), string(varsJSON),
		boolToInt(snapshot.DebugMode), nullString(snapshot.Error),
		snapshot.StartedAt.Format(time.RFC3339), formatTime(snapshot.CompletedAt),
		string(metaJSON), now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE execution_id = ?`, snapshot.ExecutionID); err != nil {
		return fmt.Errorf("failed to clear step results: %w", err)
	}
	for _, r := range snapshot.StepResults {
		outputJSON, err := json.Marshal(r.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_results (execution_id, step_id, status, error, started_at, completed_at, attempts, output, screenshot_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snapshot.ExecutionID, r.StepID, string(r.Status), nullString(r.Error),
			formatTime(r.StartedAt), formatTime(r.CompletedAt), r.Attempts,
			string(outputJSON), nullString(r.ScreenshotPath))
		if err != nil {
			return fmt.Errorf("failed to insert step result: %w", err)
		}
	}

	return tx.Commit()
}

// Get retrieves a finalized execution by ID, joined with its step results.
func (b *SQLiteBackend) Get(ctx context.Context, executionID string) (state.Snapshot, bool, error) {
	snap, err := b.scanExecution(ctx, executionID)
	if err == sql.ErrNoRows {
		return state.Snapshot{}, false, nil
	}
	if err != nil {
		return state.Snapshot{}, false, err
	}
	results, err := b.scanStepResults(ctx, executionID)
	if err != nil {
		return state.Snapshot{}, false, err
	}
	snap.StepResults = results
	return snap, true, nil
}

// List returns finalized executions matching filter, newest first.
func (b *SQLiteBackend) List(ctx context.Context, filter Filter) ([]state.Snapshot, error) {
	query := `SELECT id FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PlaybookName != "" {
		query += ` AND playbook_name = ?`
		args = append(args, filter.PlaybookName)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, withDefaultLimit(filter.Limit), filter.Offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]state.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Delete removes an execution and its step results.
func (b *SQLiteBackend) Delete(ctx context.Context, executionID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) scanExecution(ctx context.Context, executionID string) (state.Snapshot, error) {
	query := `
		SELECT id, playbook_name, playbook_path, status, current_step, total_steps,
			parameters, variables, debug_mode, error, started_at, completed_at, metadata
		FROM executions WHERE id = ?
	`
	var snap state.Snapshot
	var status string
	var paramsJSON, varsJSON, metaJSON sql.NullString
	var errStr sql.NullString
	var startedAt, completedAt sql.NullString
	var debugMode int

	err := b.db.QueryRowContext(ctx, query, executionID).Scan(
		&snap.ExecutionID, &snap.PlaybookName, &snap.PlaybookPath, &status,
		&snap.CurrentStep, &snap.TotalSteps, &paramsJSON, &varsJSON, &debugMode,
		&errStr, &startedAt, &completedAt, &metaJSON,
	)
	if err != nil {
		return state.Snapshot{}, err
	}

	snap.Status = state.RunStatus(status)
	snap.DebugMode = debugMode != 0
	if errStr.Valid {
		snap.Error = errStr.String
	}
	if paramsJSON.Valid {
		_ = json.Unmarshal([]byte(paramsJSON.String), &snap.Parameters)
	}
	if varsJSON.Valid {
		_ = json.Unmarshal([]byte(varsJSON.String), &snap.Variables)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &snap.Metadata)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			snap.StartedAt = t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			snap.CompletedAt = &t
		}
	}
	return snap, nil
}

func (b *SQLiteBackend) scanStepResults(ctx context.Context, executionID string) ([]state.StepResult, error) {
	query := `
		SELECT step_id, status, error, started_at, completed_at, attempts, output, screenshot_path
		FROM step_results WHERE execution_id = ? ORDER BY rowid ASC
	`
	rows, err := b.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}
	defer rows.Close()

	var out []state.StepResult
	for rows.Next() {
		var r state.StepResult
		var status string
		var errStr, startedAt, completedAt, outputJSON, screenshotPath sql.NullString
		if err := rows.Scan(&r.StepID, &status, &errStr, &startedAt, &completedAt, &r.Attempts, &outputJSON, &screenshotPath); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		r.Status = state.StepStatus(status)
		if errStr.Valid {
			r.Error = errStr.String
		}
		if screenshotPath.Valid {
			r.ScreenshotPath = screenshotPath.String
		}
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
				r.StartedAt = &t
			}
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
				r.CompletedAt = &t
			}
		}
		if outputJSON.Valid {
			_ = json.Unmarshal([]byte(outputJSON.String), &r.Output)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// formatTime returns nil for a nil *time.Time, else its RFC3339 string.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
