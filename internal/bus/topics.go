package bus

// Outcome is the tagged value a worker reports back to the Orchestrator at
// the end of an attempt — a plain tagged value, not a propagated exception.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeCancelled   Outcome = "cancelled"
)

// TaskStateChangedEvent is published on every successful Store.Transition.
// To is the task's store.TaskStatus stringified, kept untyped here so the
// bus package does not import store (it would create an import cycle, since
// the store publishes onto this bus).
type TaskStateChangedEvent struct {
	TaskID string
	To     string
}

// TaskOutcomeEvent is published by a worker when an attempt ends.
type TaskOutcomeEvent struct {
	TaskID      string
	WorkerID    string
	ClaimToken  string
	Outcome     Outcome
	FailureKind string
	Detail      string
}

// RateLimitChangedEvent is published whenever the Arbiter's availability or
// resume deadline changes.
type RateLimitChangedEvent struct {
	Available       bool
	ConsecutiveHits int
}

// RecoveryActionEvent is published whenever the Recovery Loop takes an
// action (reclaiming a dead worker's task, killing an orphan, throttling
// dispatch under resource pressure).
type RecoveryActionEvent struct {
	ActionType  string
	Description string
}

// AlertEvent is a P1-worthy notification destined for the alert channel.
type AlertEvent struct {
	Severity string // "info", "warning", "critical"
	Message  string
}
