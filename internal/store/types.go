// Package store is the durable task ledger: a single SQLite-backed serializer
// that owns task state, worker heartbeats, rate-limit state and security
// findings. It is the single source of truth the rest of the supervisor reads
// and mutates through.
package store

import "time"

// TaskStatus is the task's position in the state machine (see package doc on
// Transition for the legal edges).
type TaskStatus string

const (
	StatusPending           TaskStatus = "pending"
	StatusProcessing        TaskStatus = "processing"
	StatusPaused            TaskStatus = "paused"
	StatusWaitingUnban      TaskStatus = "waiting_unban"
	StatusRetrying          TaskStatus = "retrying"
	StatusNeedsHumanReview  TaskStatus = "needs_human_review"
	StatusCompleted         TaskStatus = "completed"
	StatusFailed            TaskStatus = "failed"
	StatusCancelled         TaskStatus = "cancelled"
)

// terminalStatuses never transition out (invariant 2).
var terminalStatuses = map[TaskStatus]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status TaskStatus) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// allowedTransitions enumerates the legal edges of the task state machine.
// Transition rejects any move not listed here, and Cancel is allowed from any
// non-terminal state regardless of this table (handled separately).
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusProcessing: {},
	},
	StatusProcessing: {
		StatusCompleted:        {},
		StatusFailed:           {},
		StatusPaused:           {},
		StatusWaitingUnban:     {},
		StatusRetrying:         {},
		StatusNeedsHumanReview: {},
	},
	StatusPaused: {
		// Resume re-queues to pending rather than jumping straight back to
		// processing: nothing in this implementation suspends a running
		// subprocess in place, so "resume" means redispatch to the next free
		// worker, carrying resume_blob/attempt_count forward exactly like a
		// released retry.
		StatusPending: {},
	},
	StatusWaitingUnban: {
		StatusRetrying: {},
	},
	StatusRetrying: {
		StatusPending: {},
		StatusFailed:  {},
	},
	StatusNeedsHumanReview: {
		StatusPending: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	if to == StatusCancelled {
		return !IsTerminal(from)
	}
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}

// TaskClass determines allowed tools, resume strategy and default timeouts.
type TaskClass string

const (
	ClassLight  TaskClass = "lightweight"
	ClassMedium TaskClass = "medium_context"
	ClassHeavy  TaskClass = "heavy_context"
)

// TaskPriority is the dispatch tiebreaker.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func ParsePriority(s string) (TaskPriority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return 0, false
	}
}

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// SecurityVerdict is the Gate's disposition for a task's command.
type SecurityVerdict string

const (
	VerdictUnscanned SecurityVerdict = "unscanned"
	VerdictAllowed   SecurityVerdict = "allowed"
	VerdictBlocked   SecurityVerdict = "blocked"
	VerdictMasked    SecurityVerdict = "masked"
)

// FailureKind classifies why a task is not progressing.
type FailureKind string

const (
	FailureRateLimited  FailureKind = "rate_limited"
	FailureNetwork      FailureKind = "network"
	FailureResource     FailureKind = "resource"
	FailureProcessHang  FailureKind = "process_hang"
	FailureProcessCrash FailureKind = "process_crash"
	FailureSecurity     FailureKind = "security_block"
	FailureExhausted    FailureKind = "exhausted"
	FailureCancelled    FailureKind = "cancelled"
	FailureInternal     FailureKind = "internal"
)

// Task is the central entity of the ledger.
type Task struct {
	ID              string
	Name            string
	Description     string
	Command         string
	Class           TaskClass
	Priority        TaskPriority
	Status          TaskStatus
	AttemptCount    int
	MaxAttempts     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	WorkerID        *string
	ClaimToken      string
	HeartbeatAt     *time.Time
	LastOutputTail  string
	ResumeBlob      string
	SecurityVerdict SecurityVerdict
	FailureKind     *FailureKind
	FailureDetail   string
	DedupKey        *string
	WorkingDir      string
	ErrorFingerprint string
	RetryAfter      *time.Time
}

// Worker announces liveness via a heartbeat row.
type Worker struct {
	ID            string
	PID           int
	StartedAt     time.Time
	HeartbeatAt   time.Time
	CurrentTaskID *string
}

// RateLimitState is the Arbiter's single-row durable view.
type RateLimitState struct {
	Available       bool
	ResumeAt        *time.Time
	Reason          string
	ConsecutiveHits int
	UpdatedAt       time.Time
}

// SecurityFinding is a single redaction or scan hit persisted for audit.
type SecurityFinding struct {
	ID          int64
	TaskID      string
	Kind        string
	Span        string
	Severity    string
	MaskedValue string
	CreatedAt   time.Time
}

// TaskEvent is one row of the append-only event log backing the ledger.
type TaskEvent struct {
	EventID    string
	TaskID     string
	TraceID    string
	RunID      string
	EventType  string
	StateFrom  TaskStatus
	StateTo    TaskStatus
	Payload    string
	CreatedAt  time.Time
}

// Schedule is a crontab-backed periodic submission entry.
type Schedule struct {
	ID          string
	Name        string
	Description string
	CronExpr    string
	Class       TaskClass
	Priority    TaskPriority
	WorkingDir  string
	Enabled     bool
	CreatedAt   time.Time
	LastRunAt   *time.Time
}

// TaskSpec is the input to Submit.
type TaskSpec struct {
	Name        string
	Description string
	Command     string
	Class       TaskClass
	Priority    TaskPriority
	MaxAttempts int
	WorkingDir  string
	DedupKey    string
}
