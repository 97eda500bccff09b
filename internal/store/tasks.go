package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/google/uuid"
)

const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
	defaultMaxAttempts = 5
)

// Submit inserts a new task in state pending. If spec.DedupKey is set and a
// task with that key already exists, Submit returns the existing task
// instead of creating a duplicate — submission is idempotent on dedup_key.
func (s *Store) Submit(ctx context.Context, spec TaskSpec) (Task, error) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = defaultMaxAttempts
	}
	taskID := uuid.NewString()
	var result Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin submit tx: %w", err)
		}
		defer tx.Rollback()

		now := s.clock.Now()
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO tasks
			(id, name, description, command, class, priority, status, attempt_count, max_attempts, created_at, updated_at, working_dir, dedup_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			taskID, spec.Name, spec.Description, spec.Command, string(spec.Class), int(spec.Priority), string(StatusPending),
			spec.MaxAttempts, now, now, spec.WorkingDir, nullableString(spec.DedupKey))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		// If a dedup_key collision silently skipped the insert, fetch the
		// existing row instead of the one we attempted to create.
		lookupID := taskID
		if spec.DedupKey != "" {
			row := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE dedup_key = ?`, spec.DedupKey)
			if err := row.Scan(&lookupID); err != nil {
				return fmt.Errorf("resolve dedup_key: %w", err)
			}
		}
		if lookupID == taskID {
			if err := appendTaskEventTx(ctx, tx, s.clock, taskID, "submitted", "", StatusPending, ""); err != nil {
				return err
			}
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, lookupID)
		result, err = scanTask(row)
		if err != nil {
			return fmt.Errorf("load submitted task: %w", err)
		}
		return tx.Commit()
	})
	return result, err
}

// Claim atomically selects the highest-priority pending task (priority DESC,
// created_at ASC, id ASC — oldest of the highest tier wins) and transitions
// it to processing, rotating its claim token. ok is false if no task is
// eligible.
func (s *Store) Claim(ctx context.Context, workerID string) (task Task, ok bool, err error) {
	err = retryOnBusy(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin claim tx: %w", txErr)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1`, string(StatusPending))
		candidate, scanErr := scanTask(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			ok = false
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		token := uuid.NewString()
		now := s.clock.Now()
		patch := map[string]any{
			"worker_id":    workerID,
			"claim_token":  token,
			"started_at":   now,
			"heartbeat_at": now,
		}
		result, transErr := transitionTx(ctx, tx, s.clock, candidate.ID, []TaskStatus{StatusPending}, StatusProcessing, "", patch)
		if transErr != nil {
			if errors.Is(transErr, ErrIllegalEdge) {
				// Lost the race to another worker; caller should retry Claim.
				ok = false
				return nil
			}
			return transErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("commit claim tx: %w", commitErr)
		}
		task = result
		ok = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	if ok {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: task.ID, To: string(StatusProcessing)})
	}
	return task, ok, nil
}

// ClaimWithCaps behaves like Claim but skips any pending candidate whose
// class already has classCaps[class] tasks in processing, picking the next
// candidate in dispatch order instead. A class absent from classCaps (or a
// nil map) is uncapped. The cap check and the claim happen inside the same
// transaction, so a second worker racing this one never oversubscribes a
// class even though the table scan isn't a single indexed lookup.
func (s *Store) ClaimWithCaps(ctx context.Context, workerID string, classCaps map[TaskClass]int) (task Task, ok bool, err error) {
	if len(classCaps) == 0 {
		return s.Claim(ctx, workerID)
	}
	err = retryOnBusy(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin claim tx: %w", txErr)
		}
		defer tx.Rollback()

		rows, queryErr := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC`, string(StatusPending))
		if queryErr != nil {
			return fmt.Errorf("select pending tasks: %w", queryErr)
		}
		var candidates []Task
		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				rows.Close()
				return fmt.Errorf("scan pending task: %w", scanErr)
			}
			candidates = append(candidates, t)
		}
		if closeErr := rows.Close(); closeErr != nil {
			return closeErr
		}

		var chosen *Task
		for i := range candidates {
			limit, capped := classCaps[candidates[i].Class]
			if !capped {
				chosen = &candidates[i]
				break
			}
			var running int
			countErr := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ? AND class = ?`,
				string(StatusProcessing), string(candidates[i].Class)).Scan(&running)
			if countErr != nil {
				return fmt.Errorf("count processing tasks for class: %w", countErr)
			}
			if running < limit {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			ok = false
			return nil
		}

		token := uuid.NewString()
		now := s.clock.Now()
		patch := map[string]any{
			"worker_id":    workerID,
			"claim_token":  token,
			"started_at":   now,
			"heartbeat_at": now,
		}
		result, transErr := transitionTx(ctx, tx, s.clock, chosen.ID, []TaskStatus{StatusPending}, StatusProcessing, "", patch)
		if transErr != nil {
			if errors.Is(transErr, ErrIllegalEdge) {
				ok = false
				return nil
			}
			return transErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("commit claim tx: %w", commitErr)
		}
		task = result
		ok = true
		return nil
	})
	if err != nil {
		return Task{}, false, err
	}
	if ok {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: task.ID, To: string(StatusProcessing)})
	}
	return task, ok, nil
}

// RejectBlocked moves a pending task straight to needs_human_review without
// ever dispatching it, for the case the Security Gate blocks a command
// before claim (round-trip law: Submit -> Scan Blocked -> state never
// becomes processing).
func (s *Store) RejectBlocked(ctx context.Context, taskID string, finding SecurityFinding) (Task, error) {
	var result Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		patch := map[string]any{"security_verdict": string(VerdictBlocked)}
		t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusPending}, StatusNeedsHumanReview, "", patch)
		if err != nil {
			return err
		}
		if err := insertFindingTx(ctx, tx, s.clock, taskID, finding); err != nil {
			return err
		}
		result = t
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, To: string(StatusNeedsHumanReview)})
	return result, nil
}

// FailureDisposition is what HandleTaskFailure decided for a failed attempt.
type FailureDisposition string

const (
	DispositionRetrying      FailureDisposition = "retrying"
	DispositionWaitingUnban  FailureDisposition = "waiting_unban"
	DispositionNeedsReview   FailureDisposition = "needs_human_review"
	DispositionFailed        FailureDisposition = "failed"
)

// HandleTaskFailure applies the failure taxonomy's retry/backoff/terminal
// disposition to a processing task reported by a worker. The worker only
// classifies and proposes a FailureKind; this is where the retry-or-terminal
// decision actually gets made, generalized from a single linear
// retry-or-dead-letter path into the five-way taxonomy failure_kind
// distinguishes.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, claimToken string, kind FailureKind, detail string) (Task, FailureDisposition, error) {
	var result Task
	var disposition FailureDisposition

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		current, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load task for failure handling: %w", err)
		}
		if claimToken != "" && current.ClaimToken != claimToken {
			return ErrTokenMismatch
		}
		if current.Status != StatusProcessing {
			return fmt.Errorf("%w: task not processing", ErrIllegalEdge)
		}

		switch kind {
		case FailureRateLimited:
			patch := map[string]any{"failure_kind": string(kind), "failure_detail": detail}
			t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusProcessing}, StatusWaitingUnban, claimToken, patch)
			if err != nil {
				return err
			}
			result, disposition = t, DispositionWaitingUnban

		case FailureSecurity:
			patch := map[string]any{"failure_kind": string(kind), "failure_detail": detail, "security_verdict": string(VerdictBlocked)}
			t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusProcessing}, StatusNeedsHumanReview, claimToken, patch)
			if err != nil {
				return err
			}
			result, disposition = t, DispositionNeedsReview

		case FailureInternal:
			patch := map[string]any{
				"failure_kind":   string(kind),
				"failure_detail": detail,
				"attempt_count":  current.AttemptCount + 1,
			}
			t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusProcessing}, StatusFailed, claimToken, patch)
			if err != nil {
				return err
			}
			result, disposition = t, DispositionFailed

		default: // network, resource, process_hang, process_crash — attempt-consuming, retriable
			fingerprint := errorFingerprint(detail)
			poison := current.ErrorFingerprint != "" && current.ErrorFingerprint == fingerprint
			nextAttempt := current.AttemptCount + 1

			if poison || nextAttempt >= current.MaxAttempts {
				finalKind := kind
				if !poison && nextAttempt >= current.MaxAttempts {
					finalKind = FailureExhausted
				}
				patch := map[string]any{
					"failure_kind":      string(finalKind),
					"failure_detail":    detail,
					"attempt_count":     nextAttempt,
					"error_fingerprint": fingerprint,
				}
				t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusProcessing}, StatusFailed, claimToken, patch)
				if err != nil {
					return err
				}
				result, disposition = t, DispositionFailed
				break
			}

			retryAfter := s.clock.Now().Add(retryDelay(taskID, nextAttempt))
			patch := map[string]any{
				"failure_kind":      string(kind),
				"failure_detail":    detail,
				"attempt_count":     nextAttempt,
				"error_fingerprint": fingerprint,
				"retry_after":       retryAfter,
			}
			t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusProcessing}, StatusRetrying, claimToken, patch)
			if err != nil {
				return err
			}
			result, disposition = t, DispositionRetrying
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, "", err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, To: string(result.Status)})
	return result, disposition, nil
}

// ReleaseRetry moves a retrying task whose retry_after deadline has passed
// back to pending. It is a no-op (ok=false) if the deadline has not yet
// elapsed or the task already moved on.
func (s *Store) ReleaseRetry(ctx context.Context, taskID string) (ok bool, err error) {
	err = retryOnBusy(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		var retryAfter sql.NullTime
		if scanErr := tx.QueryRowContext(ctx, `SELECT retry_after FROM tasks WHERE id = ? AND status = ?`, taskID, string(StatusRetrying)).Scan(&retryAfter); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return scanErr
		}
		if retryAfter.Valid && retryAfter.Time.After(s.clock.Now()) {
			ok = false
			return nil
		}
		if _, transErr := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{StatusRetrying}, StatusPending, "", map[string]any{"retry_after": nil}); transErr != nil {
			return transErr
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, To: string(StatusPending)})
	}
	return ok, nil
}

// ResumeWaitingUnban moves every task in waiting_unban to retrying, called
// once the Arbiter reports availability restored.
func (s *Store) ResumeWaitingUnban(ctx context.Context) (int, error) {
	waiting, err := s.Sweep(ctx, StatusWaitingUnban)
	if err != nil {
		return 0, err
	}
	var moved int
	for _, t := range waiting {
		if _, err := s.Transition(ctx, t.ID, []TaskStatus{StatusWaitingUnban}, StatusRetrying, map[string]any{"retry_after": s.clock.Now()}); err != nil {
			if errors.Is(err, ErrIllegalEdge) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Cancel transitions any non-terminal task to cancelled, regardless of the
// allowedTransitions table (Cancel is legal from every non-terminal state).
func (s *Store) Cancel(ctx context.Context, taskID string) (Task, error) {
	var result Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID)
		var status string
		if scanErr := row.Scan(&status); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return ErrNotFound
			}
			return scanErr
		}
		patch := map[string]any{"failure_kind": string(FailureCancelled), "worker_id": nil}
		t, err := transitionTx(ctx, tx, s.clock, taskID, []TaskStatus{TaskStatus(status)}, StatusCancelled, "", patch)
		if err != nil {
			return err
		}
		result = t
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, To: string(StatusCancelled)})
	return result, nil
}

// Pause is the explicit operator pause operation: it moves a processing task
// to paused without touching worker_id, so the invariant that a paused task
// still names the worker that was running it holds until Resume. The caller
// (Orchestrator.Pause) is responsible for also interrupting the subprocess;
// this method only records the operator's intent in the ledger.
func (s *Store) Pause(ctx context.Context, taskID string) (Task, error) {
	result, err := s.Transition(ctx, taskID, []TaskStatus{StatusProcessing}, StatusPaused, nil)
	if err != nil {
		return Task{}, err
	}
	return result, nil
}

// Resume moves an operator-paused task back to pending so any free worker
// can pick it up on its next claim, carrying its existing resume_blob and
// attempt_count forward the same way a released retry does.
func (s *Store) Resume(ctx context.Context, taskID string) (Task, error) {
	result, err := s.Transition(ctx, taskID, []TaskStatus{StatusPaused}, StatusPending, nil)
	if err != nil {
		return Task{}, err
	}
	return result, nil
}

// AgeQueuedPriorities bumps priority for pending tasks that have waited
// longer than ageThreshold, preventing indefinite starvation of low-priority
// submissions behind a steady stream of higher-priority ones.
func (s *Store) AgeQueuedPriorities(ctx context.Context, ageThreshold time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-ageThreshold)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET priority = MIN(priority + 1, ?), updated_at = ?
		WHERE status = ? AND updated_at < ? AND priority < ?`,
		int(PriorityUrgent), s.clock.Now(), string(StatusPending), cutoff, int(PriorityUrgent))
	if err != nil {
		return 0, fmt.Errorf("age queued priorities: %w", err)
	}
	return res.RowsAffected()
}

// PurgeTerminalTasksBefore deletes every terminal task (completed, failed or
// cancelled) last updated before cutoff, along with its task_events rows,
// returning the number of tasks removed. updated_at is used rather than
// ended_at: every transition stamps the former, nothing in this codebase
// ever populates the latter, so filtering on ended_at would never match.
func (s *Store) PurgeTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks
			WHERE status IN (?, ?, ?) AND updated_at < ?`,
			string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
		if err != nil {
			return fmt.Errorf("select purge candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, id); err != nil {
				return fmt.Errorf("delete task_events for %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM security_findings WHERE task_id = ?`, id); err != nil {
				return fmt.Errorf("delete security_findings for %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete task %s: %w", id, err)
			}
		}
		affected = int64(len(ids))
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func insertFindingTx(ctx context.Context, tx *sql.Tx, clock shared.Clock, taskID string, f SecurityFinding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO security_findings (task_id, kind, span, severity, masked_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, taskID, f.Kind, f.Span, f.Severity, f.MaskedValue, clock.Now())
	if err != nil {
		return fmt.Errorf("insert security finding: %w", err)
	}
	return nil
}

func errorFingerprint(errText string) string {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

// retryDelay computes a deterministic-per-attempt exponential backoff with
// bounded jitter, doubling per attempt and clamped to retryMaxDelay.
func retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	delay = delay/2 + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
