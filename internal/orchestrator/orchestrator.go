// Package orchestrator composes the Store, Security Gate, Rate-Limit
// Arbiter, Worker Pool, Recovery Loop, Cron Manager and Metrics HTTP surface
// into one supervised process. It owns no scheduling logic of its own — the
// dispatch ordering and per-class caps already live in store.ClaimWithCaps —
// its job is wiring, lifecycle and cancellation signalling across the
// concurrent contexts described by the concurrency model: multiple worker
// contexts, a Recovery Loop context, an Arbiter context and a Metrics
// context. Grounded on the reference codebase's event+poll waiter idiom
// (internal/coordinator/waiter.go) for how independently-ticking components
// share a bus without holding references to each other, and on its main.go
// for the overall construct-then-run-then-drain shape.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/taskwarden/internal/alert"
	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/cron"
	"github.com/basket/taskwarden/internal/metrics"
	"github.com/basket/taskwarden/internal/otel"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/recovery"
	"github.com/basket/taskwarden/internal/security"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
	"github.com/basket/taskwarden/internal/tools"
	"github.com/basket/taskwarden/internal/worker"
)

// Orchestrator owns every long-running component of one supervisor process.
type Orchestrator struct {
	cfg    config.Config
	store  *store.Store
	gate   *security.Gate
	arbiter *ratelimit.Arbiter
	pool   *worker.Pool
	recoveryLoop *recovery.Loop
	cronManager  *cron.Manager
	metricsSrv   *metrics.Server
	alertChannel *alert.Channel
	eventBus *bus.Bus
	clock    shared.Clock
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Deps are the collaborators New does not itself construct, either because
// they were already built by main() (the bus and logger) or because their
// construction can fail in ways the caller wants to handle before ever
// starting the supervisor (the OpenTelemetry provider).
type Deps struct {
	EventBus   *bus.Bus
	Clock      shared.Clock
	Logger     *slog.Logger
	Provider   *otel.Provider // may be nil (disabled)
	BinaryPath string         // path to this combined binary, used by cron-generated submissions
}

// New builds every component from cfg and st, wiring config.Config's fields
// into each component's own Config type. It does not start anything.
func New(ctx context.Context, cfg config.Config, st *store.Store, deps Deps) (*Orchestrator, error) {
	eventBus := deps.EventBus
	if eventBus == nil {
		eventBus = bus.New()
	}
	clock := deps.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate, err := security.New(cfg.SensitivePatterns)
	if err != nil {
		return nil, fmt.Errorf("construct security gate: %w", err)
	}

	arbiterCfg := ratelimit.Config{
		BaseWait:         time.Duration(cfg.DefaultUnbanWaitSeconds) * time.Second,
		MaxWait:          time.Duration(cfg.SessionLimitSeconds) * time.Second,
		Multiplier:       cfg.RateLimitBackoffMultiplier,
		ProbeMinInterval: time.Duration(cfg.MinRateLimitProbeSeconds) * time.Second,
		ProbeMaxInterval: time.Duration(cfg.MaxRateLimitProbeSeconds) * time.Second,
	}
	arbiter, err := ratelimit.New(ctx, arbiterCfg, st, clock)
	if err != nil {
		return nil, fmt.Errorf("construct rate-limit arbiter: %w", err)
	}

	classCaps := make(map[store.TaskClass]int, len(cfg.ClassConcurrency))
	for class, limit := range cfg.ClassConcurrency {
		classCaps[store.TaskClass(class)] = limit
	}

	var sandbox *tools.Sandbox
	if cfg.Sandbox.Enabled {
		sandbox, err = tools.NewSandbox(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Sandbox.Network, cfg.Sandbox.Workspace)
		if err != nil {
			return nil, fmt.Errorf("construct sandbox: %w", err)
		}
	}

	poolCfg := worker.Config{
		NumWorkers:         cfg.NumWorkers,
		AgentCLIPath:       cfg.AgentCLIPath,
		WorkspaceRoot:      cfg.Sandbox.Workspace,
		MaxOutputSizeBytes: int64(cfg.MaxOutputSizeBytes),
		ResumeTailLines:    cfg.ResumeTailLines,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		GraceShutdownWait:  time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
		ClassToolAllowlist: cfg.ClassToolAllowlist,
		ClassCaps:          classCaps,
		Sandbox:            sandbox,
	}
	pool := worker.New(poolCfg, st, arbiter, gate, eventBus, clock, logger.With("component", "worker"))

	recoveryCfg := recovery.Config{
		Period:             time.Duration(cfg.RecoveryPeriodSeconds) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		MinDiskSpaceGB:     cfg.MinDiskSpaceGB,
		HomeDir:            cfg.HomeDir,
		AgeThreshold:       time.Duration(cfg.PriorityAgeThresholdSecs) * time.Second,
		RetentionDays:      cfg.RetentionTaskEventsDays,
	}
	recoveryLoop := recovery.New(recoveryCfg, st, arbiter, eventBus, clock, logger.With("component", "recovery"))
	recoveryLoop.SetTaskKiller(pool.Cancel)
	pool.SetDispatchGate(recoveryLoop.DispatchAllowed)

	submitCLIPath := deps.BinaryPath
	if submitCLIPath == "" {
		submitCLIPath = "taskwarden"
	}
	cronManager := cron.NewManager(st, logger.With("component", "cron"), submitCLIPath)

	var metricsInstruments *otel.Metrics
	if deps.Provider != nil {
		metricsInstruments, err = otel.NewMetrics(deps.Provider.Meter)
		if err != nil {
			return nil, fmt.Errorf("construct metrics instruments: %w", err)
		}
	}
	metricsSrv := metrics.New(metrics.Config{
		Addr: cfg.Metrics.Addr,
		Path: cfg.Metrics.Path,
	}, st, arbiter, recoveryLoop, eventBus, metricsInstruments, logger.With("component", "metrics"))
	if deps.Provider != nil {
		if err := metricsSrv.RegisterCallbacks(deps.Provider.Meter); err != nil {
			return nil, fmt.Errorf("register metrics callbacks: %w", err)
		}
	}

	var alertChannel *alert.Channel
	if cfg.Telegram.Enabled {
		alertChannel, err = alert.New(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, eventBus, logger.With("component", "alert"))
		if err != nil {
			return nil, fmt.Errorf("construct alert channel: %w", err)
		}
	}

	return &Orchestrator{
		cfg: cfg, store: st, gate: gate, arbiter: arbiter, pool: pool,
		recoveryLoop: recoveryLoop, cronManager: cronManager, metricsSrv: metricsSrv,
		alertChannel: alertChannel, eventBus: eventBus, clock: clock, logger: logger,
	}, nil
}

// Run starts every component's context and blocks until ctx is cancelled,
// then waits for every worker to drain its current subprocess (bounded by
// the worker pool's GraceShutdownWait).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.pool.Start(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.recoveryLoop.Run(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.arbiter.Run(ctx, o.probe)
	}()

	var metricsErr error
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		metricsErr = o.metricsSrv.Run(ctx)
	}()

	if o.alertChannel != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.alertChannel.Start(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("alert channel exited", "error", err)
			}
		}()
	}

	<-ctx.Done()
	o.logger.Info("orchestrator: shutting down")
	o.pool.Wait()
	o.wg.Wait()
	return metricsErr
}

// Cancel transitions a task to cancelled and, if it is currently processing,
// signals the worker holding it to interrupt its subprocess.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (store.Task, error) {
	task, err := o.store.Cancel(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	o.pool.Cancel(taskID)
	return task, nil
}

// Pause is the explicit operator pause operation (never issued by the
// Arbiter or the Recovery Loop): it transitions the task to paused and
// interrupts its subprocess the same way Cancel does, except the task
// lands on paused instead of cancelled and keeps its resume_blob for Resume.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) (store.Task, error) {
	task, err := o.store.Pause(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	o.pool.Cancel(taskID)
	return task, nil
}

// Resume re-queues an operator-paused task to pending for the next free
// worker to claim.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (store.Task, error) {
	return o.store.Resume(ctx, taskID)
}

// CronManager exposes the periodic submitter for CLI subcommand wiring.
func (o *Orchestrator) CronManager() *cron.Manager { return o.cronManager }

// Store exposes the durable ledger for CLI subcommand wiring.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Gate exposes the security gate, used by the submission CLI path to scan a
// command before it ever reaches the Store.
func (o *Orchestrator) Gate() *security.Gate { return o.gate }

// probe is the Arbiter's bounded, low-cost capacity check: a short-timeout
// invocation of the Agent CLI binary's own version flag. Any nonzero exit or
// rate-limit signature in its output counts as a failed probe.
func (o *Orchestrator) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, o.cfg.AgentCLIPath, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("agent cli probe: %w (%s)", err, string(out))
	}
	if security.Classify(string(out)) == store.FailureRateLimited {
		return fmt.Errorf("agent cli probe: still rate limited")
	}
	return nil
}
