package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/pkg/schema"
)

// nextSequenceSQL yields the next per-execution sequence shared by both log tables.
const nextSequenceSQL = `SELECT COALESCE(MAX(seq), 0) + 1 FROM (
	SELECT MAX(sequence) AS seq FROM execution_logs WHERE execution_id = ?
	UNION ALL
	SELECT MAX(sequence) AS seq FROM step_logs WHERE execution_id = ?
)`

// AppendExecutionLog appends a run-level log record.
func (s *LibSQLStore) AppendExecutionLog(ctx context.Context, entry *LogEntry) error {
	return s.appendLog(ctx, "execution_logs", entry)
}

// AppendStepLog appends a step-level log record.
func (s *LibSQLStore) AppendStepLog(ctx context.Context, entry *LogEntry) error {
	return s.appendLog(ctx, "step_logs", entry)
}

func (s *LibSQLStore) appendLog(ctx context.Context, table string, entry *LogEntry) error {
	if entry.ExecutionID == "" {
		return fmt.Errorf("append %s: empty execution id", table)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := nullJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, nextSequenceSQL, entry.ExecutionID, entry.ExecutionID).Scan(&entry.Sequence); err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}

	switch table {
	case "execution_logs":
		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_logs (id, execution_id, sequence, level, message, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.ExecutionID, entry.Sequence, string(entry.Level), entry.Message, metadata, entry.CreatedAt)
	default:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_logs (id, execution_id, step_id, step_key, sequence, level, message, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.ExecutionID, nullStr(entry.StepID), nullStr(entry.StepKey), entry.Sequence,
			string(entry.Level), entry.Message, metadata, entry.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return tx.Commit()
}

// ListExecutionLogs returns run-level records in sequence order.
func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, '', '', sequence, level, message, metadata, created_at
		 FROM execution_logs WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

// ListStepLogs returns step-level records in sequence order.
func (s *LibSQLStore) ListStepLogs(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, COALESCE(step_id, ''), COALESCE(step_key, ''), sequence, level, message, metadata, created_at
		 FROM step_logs WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]*LogEntry, error) {
	defer rows.Close()
	var out []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var level string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.StepID, &e.StepKey, &e.Sequence, &level, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = schema.LogLevel(level)
		m, err := mapOrNil(metadata)
		if err != nil {
			return nil, fmt.Errorf("unmarshal log metadata: %w", err)
		}
		e.Metadata = m
		out = append(out, e)
	}
	return out, rows.Err()
}
