package worker

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

// TestRunClaimLoop_DispatchGateWithholdsClaims exercises the disk-pressure
// dispatch gate: with the gate reporting false, a pending task must sit
// unclaimed no matter how long the claim loop polls, and claiming resumes
// the moment the gate flips back to true.
func TestRunClaimLoop_DispatchGateWithholdsClaims(t *testing.T) {
	p, s, _, _ := testHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "x", Command: "true", Class: store.ClassLight, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var allowed bool
	p.cfg.DispatchGate = func() bool { return allowed }

	ws := &workerState{id: "worker-gate"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runClaimLoop(ctx, ws)
	}()

	time.Sleep(100 * time.Millisecond)
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected task to remain pending while dispatch gate closed, got %s", got.Status)
	}

	allowed = true
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err = s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != store.StatusPending {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Status == store.StatusPending {
		t.Fatalf("expected task to be claimed once dispatch gate opened, still pending")
	}

	cancel()
	<-done
}
