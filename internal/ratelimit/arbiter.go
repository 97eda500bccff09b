// Package ratelimit is the Rate-Limit Arbiter: it tracks whether the agent
// has usable capacity, trips into an unavailable state on a worker-reported
// hit, and recovers via a bounded passive probe. Its trip/cooldown/recovery
// shape is a single global circuit breaker with a persisted,
// monotonically-extending deadline instead of a fixed cooldown.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

// Persistence is the durable view the Arbiter reads at startup and writes on
// every state change, so a process restart does not forget an in-flight
// pause.
type Persistence interface {
	LoadRateLimitState(ctx context.Context) (store.RateLimitState, error)
	SaveRateLimitState(ctx context.Context, st store.RateLimitState) error
}

// Config tunes the backoff and probe cadence. Zero-value fields are replaced
// by DefaultConfig's values by New.
type Config struct {
	BaseWait         time.Duration // default_unban_wait_seconds
	MaxWait          time.Duration // session_limit_seconds, the backoff clamp ceiling
	Multiplier       float64       // rate_limit_backoff_multiplier
	ProbeMinInterval time.Duration
	ProbeMaxInterval time.Duration
}

// DefaultConfig returns the Arbiter's baseline tuning.
func DefaultConfig() Config {
	return Config{
		BaseWait:         time.Hour,
		MaxWait:          5 * time.Hour,
		Multiplier:       1.5,
		ProbeMinInterval: 30 * time.Second,
		ProbeMaxInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseWait <= 0 {
		c.BaseWait = d.BaseWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.ProbeMinInterval <= 0 {
		c.ProbeMinInterval = d.ProbeMinInterval
	}
	if c.ProbeMaxInterval <= 0 {
		c.ProbeMaxInterval = d.ProbeMaxInterval
	}
	return c
}

// Arbiter is the single writer of rate-limit availability. Its state is
// read by the Orchestrator (dispatch gate) and the Worker Pool (mid-attempt
// pause points), and observed by everyone else through the bus.
type Arbiter struct {
	mu    sync.Mutex
	cfg   Config
	clock shared.Clock
	store Persistence

	available       bool
	resumeAt        *time.Time
	reason          string
	consecutiveHits int
	probeFailures   int
}

// New loads the persisted state (seeded available=true by store.Open on a
// fresh ledger) and returns a ready Arbiter.
func New(ctx context.Context, cfg Config, st Persistence, clock shared.Clock) (*Arbiter, error) {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	loaded, err := st.LoadRateLimitState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load arbiter state: %w", err)
	}
	return &Arbiter{
		cfg:             cfg.withDefaults(),
		clock:           clock,
		store:           st,
		available:       loaded.Available,
		resumeAt:        loaded.ResumeAt,
		reason:          loaded.Reason,
		consecutiveHits: loaded.ConsecutiveHits,
	}, nil
}

// Available reports current availability and, if unavailable, the deadline
// the Orchestrator should wait for or subscribe against.
func (a *Arbiter) Available() (bool, *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available, a.resumeAt
}

// backoff computes the exponential delay for the given prior hit count
// (0 on the first hit), clamped to [BaseWait, MaxWait].
func (a *Arbiter) backoff(priorHits int) time.Duration {
	d := float64(a.cfg.BaseWait) * math.Pow(a.cfg.Multiplier, float64(priorHits))
	dur := time.Duration(d)
	if dur < a.cfg.BaseWait {
		dur = a.cfg.BaseWait
	}
	if dur > a.cfg.MaxWait {
		dur = a.cfg.MaxWait
	}
	return dur
}

// Hit records a worker-reported rate-limit signature match. It trips the
// breaker, computes a new resume_at, and only ever extends the deadline
// forward — a newly computed deadline earlier than the existing one never
// regresses it.
func (a *Arbiter) Hit(ctx context.Context, reason string) (time.Time, error) {
	a.mu.Lock()
	now := a.clock.Now()
	candidate := now.Add(a.backoff(a.consecutiveHits))
	if a.resumeAt != nil && a.resumeAt.After(candidate) {
		candidate = *a.resumeAt
	}
	a.available = false
	a.resumeAt = &candidate
	a.reason = reason
	a.consecutiveHits++
	a.probeFailures = 0
	snapshot := a.snapshotLocked(now)
	a.mu.Unlock()

	slog.Warn("ratelimit: hit recorded", "reason", reason, "resume_at", candidate, "consecutive_hits", snapshot.ConsecutiveHits)
	if err := a.store.SaveRateLimitState(ctx, snapshot); err != nil {
		return candidate, fmt.Errorf("persist rate limit hit: %w", err)
	}
	return candidate, nil
}

// Resolve is called after a successful probe: availability returns, the
// streak resets.
func (a *Arbiter) Resolve(ctx context.Context) error {
	a.mu.Lock()
	a.available = true
	a.resumeAt = nil
	a.reason = ""
	a.consecutiveHits = 0
	a.probeFailures = 0
	snapshot := a.snapshotLocked(a.clock.Now())
	a.mu.Unlock()

	slog.Info("ratelimit: resolved, capacity available")
	if err := a.store.SaveRateLimitState(ctx, snapshot); err != nil {
		return fmt.Errorf("persist rate limit resolve: %w", err)
	}
	return nil
}

// RecordProbeFailure widens the effective probe cadence without moving
// resume_at, so repeated probe failures near the deadline don't hammer it.
func (a *Arbiter) RecordProbeFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probeFailures++
}

func (a *Arbiter) snapshotLocked(now time.Time) store.RateLimitState {
	return store.RateLimitState{
		Available:       a.available,
		ResumeAt:        a.resumeAt,
		Reason:          a.reason,
		ConsecutiveHits: a.consecutiveHits,
		UpdatedAt:       now,
	}
}

// NextProbeDelay returns how long to wait before the next passive probe,
// given now. It returns 0 when a probe is due immediately (deadline passed
// or availability already restored). Probe frequency narrows as resume_at
// approaches; repeated probe failures widen the effective wait instead of
// probing the deadline more aggressively.
func (a *Arbiter) NextProbeDelay(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available || a.resumeAt == nil {
		return 0
	}
	remaining := a.resumeAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	interval := a.cfg.ProbeMaxInterval
	if remaining < 5*time.Minute {
		interval = a.cfg.ProbeMinInterval
	}
	if a.probeFailures > 0 {
		widen := time.Duration(1<<uint(minInt(a.probeFailures, 4))) * interval
		if widen > a.cfg.ProbeMaxInterval {
			widen = a.cfg.ProbeMaxInterval
		}
		interval = widen
	}
	if interval > remaining {
		interval = remaining
	}
	return interval
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ProbeFunc issues the bounded, low-cost agent invocation used to test
// whether capacity has returned. A nil error means the probe succeeded.
type ProbeFunc func(ctx context.Context) error

// Run drives the passive probe loop until ctx is cancelled. It sleeps
// according to NextProbeDelay, then probes once the deadline has passed.
func (a *Arbiter) Run(ctx context.Context, probe ProbeFunc) {
	for {
		available, _ := a.Available()
		var wait time.Duration
		if available {
			wait = a.cfg.ProbeMaxInterval
		} else {
			wait = a.NextProbeDelay(a.clock.Now())
		}
		if wait <= 0 {
			if !available {
				if err := probe(ctx); err != nil {
					a.RecordProbeFailure()
					slog.Warn("ratelimit: probe failed", "error", err)
				} else if err := a.Resolve(ctx); err != nil {
					slog.Error("ratelimit: failed to persist resolve", "error", err)
				}
			}
			wait = a.cfg.ProbeMinInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
