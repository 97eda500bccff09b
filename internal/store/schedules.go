package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InsertSchedule persists a new crontab-backed periodic submission entry.
func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) (Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = s.clock.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules
		(id, name, description, cron_expr, class, priority, working_dir, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Description, sched.CronExpr, string(sched.Class), int(sched.Priority),
		sched.WorkingDir, boolToInt(sched.Enabled), sched.CreatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

const scheduleColumns = `id, name, description, cron_expr, class, priority, working_dir, enabled, created_at, last_run_at`

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var sc Schedule
	var priority int
	var class string
	var enabled int
	var lastRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.CronExpr, &class, &priority, &sc.WorkingDir, &enabled, &sc.CreatedAt, &lastRun); err != nil {
		return Schedule{}, err
	}
	sc.Class = TaskClass(class)
	sc.Priority = TaskPriority(priority)
	sc.Enabled = enabled != 0
	if lastRun.Valid {
		v := lastRun.Time
		sc.LastRunAt = &v
	}
	return sc, nil
}

// ListSchedules returns every schedule, enabled or not, so the cron
// submitter can reconcile its crontab entries against the full set.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSchedule fetches a single schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// SetScheduleEnabled toggles whether the cron submitter should keep the
// schedule's crontab line installed.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule entirely.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkScheduleRun stamps the last time the cron submitter fired this
// schedule, called right after it submits the generated task.
func (s *Store) MarkScheduleRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}
