package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/security"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

// TestRunAttempt_OutputTruncationKillsSubprocessAndReportsResource exercises
// a subprocess that floods stdout past max_output_size_bytes and never exits
// on its own. Before tailRing signaled a truncate hit, this attempt would
// run until the Light class's five-minute timeout and get misclassified
// process_hang; the assertion on elapsed wall time is what would catch that
// regression without waiting the full timeout back out.
func TestRunAttempt_OutputTruncationKillsSubprocessAndReportsResource(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := bus.New()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), b, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	gate, err := security.New(nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	arb, err := ratelimit.New(context.Background(), ratelimit.DefaultConfig(), s, clock)
	if err != nil {
		t.Fatalf("new arbiter: %v", err)
	}

	cfg := Config{
		NumWorkers:         1,
		WorkspaceRoot:      t.TempDir(),
		MaxOutputSizeBytes: 64,
		ResumeTailLines:    500,
		HeartbeatInterval:  30 * time.Second,
		GraceShutdownWait:  2 * time.Second,
	}
	p := New(cfg, s, arb, gate, b, clock, nil)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{
		Name:        "flood",
		Command:     "while true; do echo 0123456789012345678901234567890123456789; done",
		Class:       store.ClassLight,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	ws := &workerState{id: "worker-test"}
	p.runAttempt(ctx, ws, claimed)
	elapsed := time.Since(start)

	if elapsed > 10*time.Second {
		t.Fatalf("expected output truncation to interrupt the subprocess promptly instead of running to its class timeout, took %s", elapsed)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusRetrying && got.Status != store.StatusFailed {
		t.Fatalf("expected a failure disposition after output truncation, got %s", got.Status)
	}
	if got.FailureKind == nil || *got.FailureKind != store.FailureResource {
		t.Fatalf("expected failure_kind=resource, got %v", got.FailureKind)
	}
}
