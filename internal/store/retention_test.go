package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

func TestPurgeTerminalTasksBefore_OnlyRemovesStaleTerminalTasks(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	old := submitOne(t, s, "old-completed")
	claimedOld, ok, err := s.Claim(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("claim old: ok=%v err=%v", ok, err)
	}
	if _, err := s.Transition(ctx, claimedOld.ID, []store.TaskStatus{store.StatusProcessing}, store.StatusCompleted, nil); err != nil {
		t.Fatalf("complete old: %v", err)
	}

	clock.Advance(48 * time.Hour)
	cutoff := clock.Now()
	clock.Advance(time.Hour)

	recent := submitOne(t, s, "recent-completed")
	claimedRecent, ok, err := s.Claim(ctx, "worker-2")
	if err != nil || !ok {
		t.Fatalf("claim recent: ok=%v err=%v", ok, err)
	}
	if _, err := s.Transition(ctx, claimedRecent.ID, []store.TaskStatus{store.StatusProcessing}, store.StatusCompleted, nil); err != nil {
		t.Fatalf("complete recent: %v", err)
	}

	stillPending := submitOne(t, s, "still-pending")

	n, err := s.PurgeTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one task purged, got %d", n)
	}

	if _, err := s.GetTask(ctx, old.ID); err != store.ErrNotFound {
		t.Fatalf("expected old completed task purged, got err=%v", err)
	}
	if _, err := s.GetTask(ctx, recent.ID); err != nil {
		t.Fatalf("expected recent completed task to survive purge: %v", err)
	}
	if _, err := s.GetTask(ctx, stillPending.ID); err != nil {
		t.Fatalf("expected pending task to survive purge: %v", err)
	}
}
