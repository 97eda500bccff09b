package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

type fakePersistence struct {
	state store.RateLimitState
	saves int
}

func (f *fakePersistence) LoadRateLimitState(ctx context.Context) (store.RateLimitState, error) {
	return f.state, nil
}

func (f *fakePersistence) SaveRateLimitState(ctx context.Context, st store.RateLimitState) error {
	f.state = st
	f.saves++
	return nil
}

func newArbiter(t *testing.T, clock *shared.FakeClock, seed store.RateLimitState) (*Arbiter, *fakePersistence) {
	t.Helper()
	p := &fakePersistence{state: seed}
	a, err := New(context.Background(), Config{}, p, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, p
}

func TestArbiter_SeedsFromPersistedAvailableState(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	a, _ := newArbiter(t, clock, store.RateLimitState{Available: true, UpdatedAt: clock.Now()})
	available, resumeAt := a.Available()
	if !available || resumeAt != nil {
		t.Fatalf("expected available with no deadline, got available=%v resumeAt=%v", available, resumeAt)
	}
}

func TestArbiter_HitTripsAndSetsDeadline(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	a, p := newArbiter(t, clock, store.RateLimitState{Available: true, UpdatedAt: clock.Now()})

	resumeAt, err := a.Hit(context.Background(), "session limit reached")
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !resumeAt.Equal(want) {
		t.Fatalf("expected first hit to resume at %v, got %v", want, resumeAt)
	}
	available, _ := a.Available()
	if available {
		t.Fatal("expected unavailable after hit")
	}
	if p.saves != 1 {
		t.Fatalf("expected one persisted save, got %d", p.saves)
	}
	if p.state.ConsecutiveHits != 1 {
		t.Fatalf("expected consecutive_hits=1, got %d", p.state.ConsecutiveHits)
	}
}

func TestArbiter_BackoffGrowsWithMultiplierAndClampsToMaxWait(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	cfg := Config{BaseWait: time.Hour, MaxWait: 5 * time.Hour, Multiplier: 1.5}
	p := &fakePersistence{state: store.RateLimitState{Available: true, UpdatedAt: clock.Now()}}
	a, err := New(context.Background(), cfg, p, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var last time.Duration
	for i := 0; i < 8; i++ {
		before := clock.Now()
		resumeAt, err := a.Hit(context.Background(), "hit")
		if err != nil {
			t.Fatalf("Hit %d: %v", i, err)
		}
		// Force the next hit to land after the current deadline so the
		// monotonic-extension guard does not mask the backoff growth.
		gap := resumeAt.Sub(before)
		if gap <= last {
			t.Fatalf("hit %d: expected backoff to grow, got %v after %v", i, gap, last)
		}
		last = gap
		clock.Advance(gap + time.Second)
	}
	if last > cfg.MaxWait {
		t.Fatalf("expected backoff clamped to MaxWait=%v, got %v", cfg.MaxWait, last)
	}
}

func TestArbiter_ResumeAtNeverRegresses(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	a, _ := newArbiter(t, clock, store.RateLimitState{Available: true, UpdatedAt: clock.Now()})

	first, err := a.Hit(context.Background(), "hit one")
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	// A second hit recorded almost immediately (e.g. a racing worker) must
	// not pull the deadline backward.
	clock.Advance(time.Second)
	second, err := a.Hit(context.Background(), "hit two")
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if second.Before(first) {
		t.Fatalf("resume_at regressed: first=%v second=%v", first, second)
	}
}

func TestArbiter_ResolveRestoresAvailability(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	a, p := newArbiter(t, clock, store.RateLimitState{Available: true, UpdatedAt: clock.Now()})

	if _, err := a.Hit(context.Background(), "hit"); err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if err := a.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	available, resumeAt := a.Available()
	if !available || resumeAt != nil {
		t.Fatalf("expected available with no deadline after resolve, got available=%v resumeAt=%v", available, resumeAt)
	}
	if p.state.ConsecutiveHits != 0 {
		t.Fatalf("expected consecutive_hits reset to 0, got %d", p.state.ConsecutiveHits)
	}
}

func TestArbiter_NextProbeDelayNarrowsNearDeadline(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	cfg := Config{BaseWait: time.Hour, MaxWait: 5 * time.Hour, Multiplier: 1.5, ProbeMinInterval: 30 * time.Second, ProbeMaxInterval: 5 * time.Minute}
	p := &fakePersistence{state: store.RateLimitState{Available: true, UpdatedAt: clock.Now()}}
	a, err := New(context.Background(), cfg, p, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Hit(context.Background(), "hit"); err != nil {
		t.Fatalf("Hit: %v", err)
	}

	farDelay := a.NextProbeDelay(clock.Now())
	if farDelay != cfg.ProbeMaxInterval {
		t.Fatalf("expected far-from-deadline delay to equal ProbeMaxInterval, got %v", farDelay)
	}

	clock.Advance(55 * time.Minute)
	nearDelay := a.NextProbeDelay(clock.Now())
	if nearDelay != cfg.ProbeMinInterval {
		t.Fatalf("expected near-deadline delay to equal ProbeMinInterval, got %v", nearDelay)
	}
}

func TestArbiter_ProbeFailureWidensDelayWithoutMovingDeadline(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	cfg := Config{BaseWait: time.Hour, MaxWait: 5 * time.Hour, Multiplier: 1.5, ProbeMinInterval: 30 * time.Second, ProbeMaxInterval: 5 * time.Minute}
	p := &fakePersistence{state: store.RateLimitState{Available: true, UpdatedAt: clock.Now()}}
	a, err := New(context.Background(), cfg, p, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resumeAt, err := a.Hit(context.Background(), "hit")
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	clock.Advance(55 * time.Minute)
	before := a.NextProbeDelay(clock.Now())
	a.RecordProbeFailure()
	after := a.NextProbeDelay(clock.Now())
	if after <= before {
		t.Fatalf("expected widened delay after probe failure, before=%v after=%v", before, after)
	}
	available, gotResumeAt := a.Available()
	if available {
		t.Fatal("expected still unavailable after a failed probe")
	}
	if gotResumeAt == nil || !gotResumeAt.Equal(resumeAt) {
		t.Fatalf("expected resume_at unchanged by a probe failure, got %v want %v", gotResumeAt, resumeAt)
	}
}

func TestArbiter_RunResolvesOnceProbeSucceeds(t *testing.T) {
	clock := shared.NewFakeClock(time.Unix(0, 0).UTC())
	cfg := Config{BaseWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond, Multiplier: 1.5, ProbeMinInterval: time.Millisecond, ProbeMaxInterval: 2 * time.Millisecond}
	p := &fakePersistence{state: store.RateLimitState{Available: true, UpdatedAt: clock.Now()}}
	a, err := New(context.Background(), cfg, p, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Hit(context.Background(), "hit"); err != nil {
		t.Fatalf("Hit: %v", err)
	}
	clock.Advance(cfg.BaseWait)

	attempts := 0
	probe := func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("still rate limited")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx, probe)
		close(done)
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if available, _ := a.Available(); available {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	available, _ := a.Available()
	if !available {
		t.Fatal("expected Run to resolve availability once the probe succeeds")
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 probe attempts, got %d", attempts)
	}
}
