package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/shared"
)

var (
	ErrNotFound        = errors.New("store: task not found")
	ErrTokenMismatch   = errors.New("store: claim token mismatch")
	ErrAlreadyTerminal = errors.New("store: task already in a terminal state")
	ErrIllegalEdge     = errors.New("store: illegal state transition")
	ErrDuplicateSubmit = errors.New("store: duplicate dedup_key")
)

// Store is the durable task ledger: a single serialized writer over a SQLite
// file, matching the "single serializer suffices for correctness" design
// note. All mutating operations are wrapped in a transaction and durable
// before they return.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus
	clock shared.Clock
}

// DefaultDBPath returns the conventional ledger location under the
// supervisor's home directory.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "store", "ledger.db")
}

// Open creates the store directory if needed, opens the SQLite file with a
// single serialized writer connection, and applies the schema.
func Open(path string, eventBus *bus.Bus, clock shared.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO rate_limit_state (id, available, updated_at) VALUES (1, 1, ?)`, clock.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed rate limit state: %w", err)
	}
	return &Store{db: db, bus: eventBus, clock: clock}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers that mirror their own
// tables into the same database file (the audit sink's audit_log mirror).
func (s *Store) DB() *sql.DB {
	return s.db
}

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY/LOCKED error
// worth retrying.
func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// retryOnBusy retries fn with exponential backoff and jitter while the
// database reports itself busy or locked. The single-writer connection pool
// mostly serializes access already; this only covers the narrow window where
// SQLite itself reports contention (e.g. during a checkpoint).
func retryOnBusy(ctx context.Context, fn func() error) error {
	const (
		base = 50 * time.Millisecond
		max  = 500 * time.Millisecond
	)
	delay := base
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt >= 8 {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		wait := delay/2 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}

func newEventID() string { return uuid.NewString() }

// appendTaskEventTx records one row of the append-only event log, carrying
// trace and run IDs pulled from context for cross-log correlation.
func appendTaskEventTx(ctx context.Context, tx *sql.Tx, clock shared.Clock, taskID, eventType string, from, to TaskStatus, payload string) error {
	_, err := tx.Exec(`INSERT INTO task_events (event_id, task_id, trace_id, run_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newEventID(), taskID, shared.TraceID(ctx), shared.RunID(ctx), eventType, string(from), string(to), payload, clock.Now())
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Topic: topic, Payload: payload, At: s.clock.Now()})
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var startedAt, endedAt, heartbeatAt, retryAfter sql.NullTime
	var workerID, dedupKey, failureKind sql.NullString
	var priority int
	var class, status string

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Command, &class, &priority, &status,
		&t.AttemptCount, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &startedAt, &endedAt,
		&workerID, &t.ClaimToken, &heartbeatAt, &t.LastOutputTail, &t.ResumeBlob,
		&t.SecurityVerdict, &failureKind, &t.FailureDetail, &t.ErrorFingerprint, &dedupKey, &t.WorkingDir, &retryAfter,
	)
	if err != nil {
		return Task{}, err
	}
	t.Class = TaskClass(class)
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if endedAt.Valid {
		v := endedAt.Time
		t.EndedAt = &v
	}
	if heartbeatAt.Valid {
		v := heartbeatAt.Time
		t.HeartbeatAt = &v
	}
	if retryAfter.Valid {
		v := retryAfter.Time
		t.RetryAfter = &v
	}
	if workerID.Valid {
		v := workerID.String
		t.WorkerID = &v
	}
	if dedupKey.Valid {
		v := dedupKey.String
		t.DedupKey = &v
	}
	if failureKind.Valid {
		v := FailureKind(failureKind.String)
		t.FailureKind = &v
	}
	return t, nil
}

const taskColumns = `id, name, description, command, class, priority, status,
	attempt_count, max_attempts, created_at, updated_at, started_at, ended_at,
	worker_id, claim_token, heartbeat_at, last_output_tail, resume_blob,
	security_verdict, failure_kind, failure_detail, error_fingerprint, dedup_key, working_dir, retry_after`

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks optionally filtered by status and class, newest
// first. Either filter may be empty to mean "any".
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, class TaskClass) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	if class != "" {
		q += ` AND class = ?`
		args = append(args, string(class))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Sweep is the Recovery Loop's read-only scan: every task whose status is in
// statuses.
func (s *Store) Sweep(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// transitionTx is the core compare-and-set primitive behind Transition,
// Claim, UpdateByToken and Cancel: it checks the current status is in
// allowedFrom, validates the edge, applies patch, and appends an event, all
// inside the caller's transaction.
func transitionTx(ctx context.Context, tx *sql.Tx, clock shared.Clock, taskID string, allowedFrom []TaskStatus, to TaskStatus, requireToken string, patch map[string]any) (Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	current, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task for transition: %w", err)
	}

	if requireToken != "" && current.ClaimToken != requireToken {
		return Task{}, ErrTokenMismatch
	}

	ok := false
	for _, from := range allowedFrom {
		if current.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		if IsTerminal(current.Status) {
			return Task{}, ErrAlreadyTerminal
		}
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalEdge, current.Status, to)
	}
	if !canTransition(current.Status, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrIllegalEdge, current.Status, to)
	}

	setClauses := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), clock.Now()}
	for col, val := range patch {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, taskID, string(current.Status))

	q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND status = ?`, strings.Join(setClauses, ", "))
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return Task{}, fmt.Errorf("apply transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		// Lost the race to a concurrent writer; the caller's CAS failed.
		return Task{}, fmt.Errorf("%w: %s -> %s (lost race)", ErrIllegalEdge, current.Status, to)
	}

	if err := appendTaskEventTx(ctx, tx, clock, taskID, "transition", current.Status, to, ""); err != nil {
		return Task{}, err
	}

	row = tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// Transition applies a compare-and-set transition: it rejects the call if
// the task's current status is not in fromSet.
func (s *Store) Transition(ctx context.Context, taskID string, fromSet []TaskStatus, to TaskStatus, patch map[string]any) (Task, error) {
	var result Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		result, err = transitionTx(ctx, tx, s.clock, taskID, fromSet, to, "", patch)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, To: string(to)})
	return result, nil
}

// UpdateByToken applies patch to a task's non-status fields only if
// claimToken matches the task's current token; all worker-side mutations
// (heartbeat extension, output-tail append) go through this.
func (s *Store) UpdateByToken(ctx context.Context, taskID, claimToken string, patch map[string]any) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT claim_token, status FROM tasks WHERE id = ?`, taskID)
		var token, status string
		if err := row.Scan(&token, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load token: %w", err)
		}
		if token != claimToken {
			return ErrTokenMismatch
		}
		if len(patch) == 0 {
			return tx.Commit()
		}
		setClauses := make([]string, 0, len(patch)+1)
		args := make([]any, 0, len(patch)+2)
		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, s.clock.Now())
		for col, val := range patch {
			setClauses = append(setClauses, col+" = ?")
			args = append(args, val)
		}
		args = append(args, taskID, claimToken)
		q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND claim_token = ?`, strings.Join(setClauses, ", "))
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("apply fenced update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return ErrTokenMismatch
		}
		return tx.Commit()
	})
}

// Heartbeat updates worker liveness and, if taskID is non-empty, the task's
// heartbeat_at through a fenced update.
func (s *Store) Heartbeat(ctx context.Context, workerID, pid string, taskID, claimToken string) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := s.clock.Now()
		_, err = tx.ExecContext(ctx, `INSERT INTO workers (id, pid, started_at, heartbeat_at, current_task_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET heartbeat_at = excluded.heartbeat_at, current_task_id = excluded.current_task_id`,
			workerID, pidOrZero(pid), now, now, nullableString(taskID))
		if err != nil {
			return fmt.Errorf("upsert worker heartbeat: %w", err)
		}

		if taskID != "" && claimToken != "" {
			res, err := tx.ExecContext(ctx, `UPDATE tasks SET heartbeat_at = ? WHERE id = ? AND claim_token = ?`, now, taskID, claimToken)
			if err != nil {
				return fmt.Errorf("stamp task heartbeat: %w", err)
			}
			if affected, _ := res.RowsAffected(); affected != 1 {
				return ErrTokenMismatch
			}
		}
		return tx.Commit()
	})
}

func pidOrZero(pid string) int {
	var n int
	fmt.Sscanf(pid, "%d", &n)
	return n
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListWorkers returns every known worker row.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid, started_at, heartbeat_at, current_task_id FROM workers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Worker
	for rows.Next() {
		var w Worker
		var cur sql.NullString
		if err := rows.Scan(&w.ID, &w.PID, &w.StartedAt, &w.HeartbeatAt, &cur); err != nil {
			return nil, err
		}
		if cur.Valid {
			v := cur.String
			w.CurrentTaskID = &v
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RemoveWorker drops a worker's heartbeat row (used once the Recovery Loop
// has finished reclaiming its tasks).
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID)
	return err
}
