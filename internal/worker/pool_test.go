package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/security"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

func testHarness(t *testing.T) (*Pool, *store.Store, *ratelimit.Arbiter, *shared.FakeClock) {
	t.Helper()
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
		MaxOutputSizeBytes: 1 << 20,
		ResumeTailLines:    500,
		HeartbeatInterval:  30 * time.Second,
		GraceShutdownWait:  2 * time.Second,
	}
	p := New(cfg, s, arb, gate, b, clock, nil)
	return p, s, arb, clock
}

func TestRunAttempt_HappyPathCompletesTask(t *testing.T) {
	p, s, _, _ := testHarness(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "x", Command: "echo ok", Class: store.ClassLight, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ws := &workerState{id: "worker-test"}
	p.runAttempt(ctx, ws, claimed)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (failure=%v detail=%s)", got.Status, got.FailureKind, got.FailureDetail)
	}
}

func TestRunAttempt_NonZeroExitRetries(t *testing.T) {
	p, s, _, _ := testHarness(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "x", Command: "echo boom; exit 1", Class: store.ClassLight, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ws := &workerState{id: "worker-test"}
	p.runAttempt(ctx, ws, claimed)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusRetrying {
		t.Fatalf("expected retrying after a non-zero exit with attempts remaining, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count=1, got %d", got.AttemptCount)
	}
}

func TestRunAttempt_RateLimitSignatureTripsArbiterAndWaitsUnban(t *testing.T) {
	p, s, arb, _ := testHarness(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "x", Command: "echo 'rate limit exceeded'; exit 1", Class: store.ClassLight, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ws := &workerState{id: "worker-test"}
	p.runAttempt(ctx, ws, claimed)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusWaitingUnban {
		t.Fatalf("expected waiting_unban, got %s", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("rate limit hits must not consume an attempt, got attempt_count=%d", got.AttemptCount)
	}
	available, _ := arb.Available()
	if available {
		t.Fatal("expected arbiter to be tripped unavailable after the rate-limit hit")
	}
}

func TestRunAttempt_SecurityBlockedNeverRunsCommand(t *testing.T) {
	p, s, _, _ := testHarness(t)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "x", Command: "rm -rf /", Class: store.ClassHeavy, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-test")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ws := &workerState{id: "worker-test"}
	p.runAttempt(ctx, ws, claimed)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusNeedsHumanReview {
		t.Fatalf("expected needs_human_review, got %s", got.Status)
	}

	findings, err := s.ListFindings(ctx, task.ID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 1 || findings[0].Kind != "destructive_fs" {
		t.Fatalf("expected one destructive_fs finding, got %+v", findings)
	}
}

func TestWorkerState_ConsumeProgressResetsFlag(t *testing.T) {
	ws := &workerState{id: "worker-test"}
	ws.attach("task-1", "token-1", nil)

	// attach itself counts as progress, so the first tick after attaching
	// must not find the attempt stuck.
	if !ws.consumeProgress() {
		t.Fatal("expected attach to mark the attempt as having progressed")
	}
	if ws.consumeProgress() {
		t.Fatal("expected consumeProgress to reset the flag after reading it")
	}

	ws.touchProgress()
	if !ws.consumeProgress() {
		t.Fatal("expected touchProgress to mark the attempt as having progressed")
	}
	if ws.consumeProgress() {
		t.Fatal("expected flag cleared again after the second read")
	}
}

func TestWorkerState_DetachClearsSubprocessTracking(t *testing.T) {
	ws := &workerState{id: "worker-test"}
	ws.attach("task-1", "token-1", nil)
	ws.setSubprocess(4242)
	if ws.subprocess() != 4242 {
		t.Fatalf("expected subprocess pid 4242, got %d", ws.subprocess())
	}

	ws.detach()
	if ws.subprocess() != 0 {
		t.Fatalf("expected detach to clear the tracked subprocess pid, got %d", ws.subprocess())
	}
}

func TestSubprocessPegged_NoSubprocessAttachedIsNeverPegged(t *testing.T) {
	p, _, _, _ := testHarness(t)
	ws := &workerState{id: "worker-test"}
	if p.subprocessPegged(ws) {
		t.Fatal("expected a worker with no attached subprocess to never be pegged")
	}
}

func TestSubprocessPegged_FirstSampleNeverPegged(t *testing.T) {
	p, _, _, _ := testHarness(t)
	ws := &workerState{id: "worker-test"}
	ws.setSubprocess(os.Getpid())

	// a single sample has no prior reading to diff against, so it can never
	// by itself decide the subprocess is pegged.
	if p.subprocessPegged(ws) {
		t.Fatal("expected the first CPU sample to never report pegged")
	}
}

func TestSubprocessPegged_IdleTestProcessStaysUnderThreshold(t *testing.T) {
	p, _, _, clock := testHarness(t)
	ws := &workerState{id: "worker-test"}
	ws.setSubprocess(os.Getpid())

	p.subprocessPegged(ws)
	clock.Advance(p.cfg.HeartbeatInterval)
	if p.subprocessPegged(ws) {
		t.Fatal("expected the idling test process to stay under the CPU-pegged threshold")
	}
}
