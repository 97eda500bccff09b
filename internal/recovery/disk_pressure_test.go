package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

// TestCheckDiskPressure_TogglesDispatchAllowed exercises the atomic flag
// DispatchAllowed exposes to worker.Pool's claim loop. Using an absurdly
// high MinDiskSpaceGB against a real filesystem makes "below threshold"
// deterministic without faking statfs.
func TestCheckDiskPressure_TogglesDispatchAllowed(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, b := openTestStore(t, clock)
	ctx := context.Background()

	loop := New(Config{HomeDir: t.TempDir(), MinDiskSpaceGB: 1 << 30}, s, nil, b, clock, nil)
	if !loop.DispatchAllowed() {
		t.Fatalf("expected dispatch allowed before first tick")
	}

	loop.checkDiskPressure(ctx)
	if loop.DispatchAllowed() {
		t.Fatalf("expected dispatch halted once free space reported below threshold")
	}
}

// TestCheckDiskPressure_FirstCrossingRunsRetentionSweep confirms that the
// edge into disk pressure (not every tick while it persists) triggers a
// retention sweep that purges terminal tasks past RetentionDays, the same
// threshold-triggered cleanup the reference recovery manager performs.
func TestCheckDiskPressure_FirstCrossingRunsRetentionSweep(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, b := openTestStore(t, clock)
	ctx := context.Background()

	task, err := s.Submit(ctx, store.TaskSpec{Name: "old", Command: "true", Class: store.ClassLight, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := s.Claim(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, err := s.Transition(ctx, claimed.ID, []store.TaskStatus{store.StatusProcessing}, store.StatusCompleted, nil); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)

	loop := New(Config{HomeDir: t.TempDir(), MinDiskSpaceGB: 1 << 30, RetentionDays: 30}, s, nil, b, clock, nil)
	loop.checkDiskPressure(ctx)

	if _, err := s.GetTask(ctx, task.ID); err != store.ErrNotFound {
		t.Fatalf("expected completed task older than retention to be purged, got err=%v", err)
	}
}
