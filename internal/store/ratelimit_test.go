package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/store"
)

func TestRateLimitState_RoundTrips(t *testing.T) {
	s, b := openTestStore(t, nil)
	ctx := context.Background()

	sub := b.Subscribe(bus.TopicRateLimitChanged)
	defer b.Unsubscribe(sub)

	resumeAt := time.Now().UTC().Add(time.Hour)
	want := store.RateLimitState{
		Available:       false,
		ResumeAt:        &resumeAt,
		Reason:          "session_limit_reached",
		ConsecutiveHits: 2,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.SaveRateLimitState(ctx, want); err != nil {
		t.Fatalf("save rate limit state: %v", err)
	}

	got, err := s.LoadRateLimitState(ctx)
	if err != nil {
		t.Fatalf("load rate limit state: %v", err)
	}
	if got.Available != want.Available {
		t.Fatalf("expected available=%v, got %v", want.Available, got.Available)
	}
	if got.ConsecutiveHits != want.ConsecutiveHits {
		t.Fatalf("expected consecutive_hits=%d, got %d", want.ConsecutiveHits, got.ConsecutiveHits)
	}
	if got.Reason != want.Reason {
		t.Fatalf("expected reason=%q, got %q", want.Reason, got.Reason)
	}
	if got.ResumeAt == nil || !got.ResumeAt.Equal(*want.ResumeAt) {
		t.Fatalf("expected resume_at=%v, got %v", want.ResumeAt, got.ResumeAt)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.RateLimitChangedEvent)
		if !ok {
			t.Fatalf("expected a RateLimitChangedEvent payload, got %T", ev.Payload)
		}
		if payload.Available {
			t.Fatal("expected published event to reflect available=false")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a RateLimitChangedEvent to be published on save")
	}
}

func TestRateLimitState_SeededAvailableOnFreshLedger(t *testing.T) {
	s, _ := openTestStore(t, nil)
	st, err := s.LoadRateLimitState(context.Background())
	if err != nil {
		t.Fatalf("load rate limit state: %v", err)
	}
	if !st.Available {
		t.Fatal("expected a fresh ledger to start available")
	}
	if st.ResumeAt != nil {
		t.Fatal("expected no resume_at on a fresh ledger")
	}
}
