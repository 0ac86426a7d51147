// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

// RuleExecutionLog is one append-only audit row for a rule evaluation:
// how many torrents matched, how many actions ran, and whether the rule as a
// whole succeeded.
type RuleExecutionLog struct {
	ID            int64     `json:"id"`
	RuleID        *int64    `json:"ruleId,omitempty"`
	RuleName      string    `json:"ruleName"`
	MatchedCount  int       `json:"matchedCount"`
	ExecutedCount int       `json:"executedCount"`
	FailedCount   int       `json:"failedCount"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	ExecutedAt    time.Time `json:"executedAt"`
}

type ExecutionLogStore struct {
	db dbinterface.Querier
}

func NewExecutionLogStore(db dbinterface.Querier) *ExecutionLogStore {
	return &ExecutionLogStore{db: db}
}

// Insert appends an execution record. The log is never updated in place.
func (s *ExecutionLogStore) Insert(ctx context.Context, entry *RuleExecutionLog) error {
	var errMsg any
	if entry.ErrorMessage != "" {
		errMsg = entry.ErrorMessage
	}

	var ruleID any
	if entry.RuleID != nil {
		ruleID = *entry.RuleID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_execution_log (rule_id, rule_name, matched_count, executed_count, failed_count, success, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ruleID, entry.RuleName, entry.MatchedCount, entry.ExecutedCount, entry.FailedCount, boolToInt(entry.Success), errMsg, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries first.
func (s *ExecutionLogStore) ListRecent(ctx context.Context, limit int) ([]*RuleExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_name, matched_count, executed_count, failed_count, success, error_message, duration_ms, executed_at
		FROM rule_execution_log
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution log: %w", err)
	}
	defer rows.Close()

	var entries []*RuleExecutionLog
	for rows.Next() {
		var entry RuleExecutionLog
		var ruleID sql.NullInt64
		var success int
		var errMsg sql.NullString

		if err := rows.Scan(
			&entry.ID,
			&ruleID,
			&entry.RuleName,
			&entry.MatchedCount,
			&entry.ExecutedCount,
			&entry.FailedCount,
			&success,
			&errMsg,
			&entry.DurationMs,
			&entry.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}

		if ruleID.Valid {
			id := ruleID.Int64
			entry.RuleID = &id
		}
		entry.Success = success != 0
		entry.ErrorMessage = errMsg.String

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
