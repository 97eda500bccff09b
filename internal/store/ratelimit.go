package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/taskwarden/internal/bus"
)

// LoadRateLimitState reads the Arbiter's single persisted row.
func (s *Store) LoadRateLimitState(ctx context.Context) (RateLimitState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT available, resume_at, reason, consecutive_hits, updated_at FROM rate_limit_state WHERE id = 1`)
	var st RateLimitState
	var available int
	var resumeAt sql.NullTime
	if err := row.Scan(&available, &resumeAt, &st.Reason, &st.ConsecutiveHits, &st.UpdatedAt); err != nil {
		return RateLimitState{}, fmt.Errorf("load rate limit state: %w", err)
	}
	st.Available = available != 0
	if resumeAt.Valid {
		v := resumeAt.Time
		st.ResumeAt = &v
	}
	return st, nil
}

// SaveRateLimitState overwrites the Arbiter's persisted row and publishes a
// RateLimitChangedEvent so the Orchestrator and operational tooling observe
// the change without polling.
func (s *Store) SaveRateLimitState(ctx context.Context, st RateLimitState) error {
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE rate_limit_state SET available = ?, resume_at = ?, reason = ?, consecutive_hits = ?, updated_at = ? WHERE id = 1`,
			boolToInt(st.Available), st.ResumeAt, st.Reason, st.ConsecutiveHits, st.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}
	s.publish(bus.TopicRateLimitChanged, bus.RateLimitChangedEvent{Available: st.Available, ConsecutiveHits: st.ConsecutiveHits})
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
