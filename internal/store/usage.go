// ABOUTME: SQLite implementation for task usage tracking
// ABOUTME: Records one row per resolved task and aggregates them for reporting

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// usageTimeLayout is fixed-width so created_at sorts lexically.
const usageTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// RecordUsage stores a task usage record, assigning an id and timestamp if
// they are unset.
func (s *SQLiteStore) RecordUsage(ctx context.Context, usage *TaskUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO task_usage (
			id, task_id, agent_id, conversation_id, transport, outcome, error,
			chunk_count, response_bytes, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.TaskID,
		usage.AgentID,
		usage.ConversationID,
		usage.Transport,
		usage.Outcome,
		nullString(usage.Error),
		usage.ChunkCount,
		usage.ResponseBytes,
		usage.DurationMs,
		usage.CreatedAt.UTC().Format(usageTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("recorded task usage",
		"task_id", usage.TaskID,
		"agent_id", usage.AgentID,
		"transport", usage.Transport,
		"outcome", usage.Outcome,
	)
	return nil
}

// ListAgentUsage returns the agent's most recent usage records, newest first.
func (s *SQLiteStore) ListAgentUsage(ctx context.Context, agentID string, limit int) ([]*TaskUsage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, task_id, agent_id, conversation_id, transport, outcome, error,
		       chunk_count, response_bytes, duration_ms, created_at
		FROM task_usage
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var usages []*TaskUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'complete' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(response_bytes), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM task_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.AgentID != nil {
		query += " AND agent_id = ?"
		args = append(args, *filter.AgentID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(usageTimeLayout))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(usageTimeLayout))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TaskCount,
		&stats.CompletedCount,
		&stats.ErrorCount,
		&stats.CancelledCount,
		&stats.ResponseBytes,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}

// scanUsage scans a single usage row into a TaskUsage struct.
func scanUsage(rows *sql.Rows) (*TaskUsage, error) {
	var usage TaskUsage
	var errMsg sql.NullString
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.TaskID,
		&usage.AgentID,
		&usage.ConversationID,
		&usage.Transport,
		&usage.Outcome,
		&errMsg,
		&usage.ChunkCount,
		&usage.ResponseBytes,
		&usage.DurationMs,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if errMsg.Valid {
		usage.Error = errMsg.String
	}

	usage.CreatedAt, err = time.Parse(usageTimeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}

// Ensure SQLiteStore implements UsageStore interface.
var _ UsageStore = (*SQLiteStore)(nil)
