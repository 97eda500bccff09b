package store

import (
	"context"
	"fmt"
)

// RecordFinding persists a single Security Gate finding for audit, outside
// the pre-dispatch RejectBlocked path — used for MaskOutput hits observed
// mid-stream on an already-running task.
func (s *Store) RecordFinding(ctx context.Context, taskID string, f SecurityFinding) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO security_findings (task_id, kind, span, severity, masked_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, taskID, f.Kind, f.Span, f.Severity, f.MaskedValue, s.clock.Now())
	if err != nil {
		return fmt.Errorf("record security finding: %w", err)
	}
	return nil
}

// ListFindings returns every recorded finding for a task, oldest first.
func (s *Store) ListFindings(ctx context.Context, taskID string) ([]SecurityFinding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, kind, span, severity, masked_value, created_at
		FROM security_findings WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()
	var out []SecurityFinding
	for rows.Next() {
		var f SecurityFinding
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Kind, &f.Span, &f.Severity, &f.MaskedValue, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
