// Package recovery is the Recovery Loop: a single supervised tick that
// reclaims dead workers' tasks, kills orphaned subprocesses, soft-pings
// stuck tasks, watches disk pressure, drives rate-limit resumption, releases
// elapsed retry backoffs, and gauges network reachability. Every transition
// it issues is an idempotent compare-and-set, so a lost race against a live
// worker is a no-op.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
)

// Config tunes the loop's period and thresholds.
type Config struct {
	Period              time.Duration // P, default 60s
	HeartbeatInterval   time.Duration // H, worker heartbeat cadence
	DeadWorkerMultiple  int           // a worker silent for Multiple*H is dead
	MinDiskSpaceGB      int
	HomeDir             string
	AgeThreshold        time.Duration // priority-aging threshold for AgeQueuedPriorities
	NetworkProbeAddr    string        // "host:port" dialed to gauge reachability
	RetentionDays       int           // terminal tasks/events older than this are purged under disk pressure
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DeadWorkerMultiple <= 0 {
		c.DeadWorkerMultiple = 3
	}
	if c.MinDiskSpaceGB <= 0 {
		c.MinDiskSpaceGB = 5
	}
	if c.AgeThreshold <= 0 {
		c.AgeThreshold = 30 * time.Minute
	}
	if c.NetworkProbeAddr == "" {
		c.NetworkProbeAddr = "8.8.8.8:53"
	}
	return c
}

func (c Config) deadWorkerThreshold() time.Duration {
	return time.Duration(c.DeadWorkerMultiple) * c.HeartbeatInterval
}

// Loop is the Recovery Loop supervisor task.
type Loop struct {
	cfg      Config
	store    *store.Store
	arbiter  *ratelimit.Arbiter
	eventBus *bus.Bus
	clock    shared.Clock
	logger   *slog.Logger

	wasAvailable bool

	// stuckSince tracks, per task id, when reclaimStuckTasks first soft-pinged
	// a processing task whose heartbeat had gone stale while its worker was
	// still alive. A task must remain stale through a further HeartbeatInterval
	// (the ack window) before it's killed and retried.
	stuckSince map[string]time.Time
	// killTask interrupts a task's subprocess, wired to worker.Pool.Cancel by
	// the orchestrator. A nil killTask still reclaims the task in the Store;
	// it just can't also terminate the underlying subprocess directly (the
	// per-class context timeout in the worker pool remains the backstop).
	killTask func(taskID string)

	// diskPressure is read by worker.Pool's DispatchGate before every claim
	// and written by checkDiskPressure each tick, so a claim loop never blocks
	// on the recovery tick's own pace to find out dispatch is halted.
	diskPressure atomic.Bool
}

// New builds a Loop.
func New(cfg Config, st *store.Store, arbiter *ratelimit.Arbiter, eventBus *bus.Bus, clock shared.Clock, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg.withDefaults(), store: st, arbiter: arbiter, eventBus: eventBus, clock: clock, logger: logger, wasAvailable: true, stuckSince: map[string]time.Time{}}
}

// SetTaskKiller wires a callback the loop uses to interrupt a stuck task's
// subprocess directly, in addition to reclaiming it in the Store. The
// orchestrator wires this to its worker.Pool's Cancel method.
func (l *Loop) SetTaskKiller(kill func(taskID string)) {
	l.killTask = kill
}

// Run ticks every Period until ctx is cancelled, firing immediately on
// entry so a freshly started supervisor doesn't wait a full period before
// its first sweep.
func (l *Loop) Run(ctx context.Context) {
	l.tick(ctx)
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.reclaimDeadWorkers(ctx)
	l.reclaimStuckTasks(ctx)
	l.releaseElapsedRetries(ctx)
	l.resumeAfterRateLimit(ctx)
	l.checkDiskPressure(ctx)
	l.checkNetworkReachability(ctx)
	if n, err := l.store.AgeQueuedPriorities(ctx, l.cfg.AgeThreshold); err != nil {
		l.logger.Error("recovery: age queued priorities failed", "error", err)
	} else if n > 0 {
		l.logger.Info("recovery: bumped starving task priorities", "count", n)
	}
}

// reclaimDeadWorkers un-claims any processing task whose worker has missed
// 3H of heartbeats: it moves back to pending (or retrying, via
// HandleTaskFailure's process_hang disposition), rotating the claim so a
// live worker that eventually wakes up loses the CAS race harmlessly.
func (l *Loop) reclaimDeadWorkers(ctx context.Context) {
	workers, err := l.store.ListWorkers(ctx)
	if err != nil {
		l.logger.Error("recovery: list workers failed", "error", err)
		return
	}
	threshold := l.cfg.deadWorkerThreshold()
	now := l.clock.Now()
	for _, w := range workers {
		if now.Sub(w.HeartbeatAt) < threshold {
			continue
		}
		l.logger.Warn("recovery: worker declared dead", "worker_id", w.ID, "last_heartbeat", w.HeartbeatAt)
		if w.PID > 0 && processAlive(w.PID) {
			_ = syscall.Kill(w.PID, syscall.SIGKILL)
		}
		if w.CurrentTaskID != nil {
			l.reclaimTask(ctx, *w.CurrentTaskID)
		}
		if err := l.store.RemoveWorker(ctx, w.ID); err != nil {
			l.logger.Error("recovery: remove dead worker row failed", "worker_id", w.ID, "error", err)
		}
		l.publish("dead_worker_reclaimed", fmt.Sprintf("worker %s declared dead", w.ID))
	}
}

func (l *Loop) reclaimTask(ctx context.Context, taskID string) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		if err != store.ErrNotFound {
			l.logger.Error("recovery: load orphaned task failed", "task_id", taskID, "error", err)
		}
		return
	}
	if task.Status != store.StatusProcessing {
		return
	}
	if _, _, err := l.store.HandleTaskFailure(ctx, taskID, task.ClaimToken, store.FailureProcessHang, "worker heartbeat missed, task reclaimed"); err != nil {
		l.logger.Error("recovery: reclaim task failed", "task_id", taskID, "error", err)
	}
}

// reclaimStuckTasks implements the stuck-tasks case, distinct from
// reclaimDeadWorkers: a processing task whose heartbeat_at has gone stale
// while its owning worker is still heartbeating normally. The Worker Pool
// withholds a task's heartbeat stamp whenever its subprocess produces no
// output or is pegged on CPU/memory (worker.Pool.runHeartbeat), so a stale
// task heartbeat here reflects the subprocess itself, not just a slow tick.
// A task gets one heartbeat interval's grace (the soft-ping ack window)
// after first going stale before it is killed and retried.
func (l *Loop) reclaimStuckTasks(ctx context.Context) {
	workers, err := l.store.ListWorkers(ctx)
	if err != nil {
		l.logger.Error("recovery: list workers failed", "error", err)
		return
	}
	now := l.clock.Now()
	deadThreshold := l.cfg.deadWorkerThreshold()
	seen := map[string]struct{}{}

	for _, w := range workers {
		if w.CurrentTaskID == nil {
			continue
		}
		if now.Sub(w.HeartbeatAt) >= deadThreshold {
			continue // the worker itself is dead; reclaimDeadWorkers owns this one
		}
		taskID := *w.CurrentTaskID
		task, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			if err != store.ErrNotFound {
				l.logger.Error("recovery: load task for stuck check failed", "task_id", taskID, "error", err)
			}
			continue
		}
		if task.Status != store.StatusProcessing {
			continue
		}
		if task.HeartbeatAt != nil && now.Sub(*task.HeartbeatAt) < deadThreshold {
			delete(l.stuckSince, taskID)
			continue
		}

		seen[taskID] = struct{}{}
		since, pinged := l.stuckSince[taskID]
		if !pinged {
			l.stuckSince[taskID] = now
			l.logger.Warn("recovery: task heartbeat stale but worker alive, soft-pinging", "task_id", taskID, "worker_id", w.ID)
			l.publish("stuck_task_soft_ping", fmt.Sprintf("task %s heartbeat stale, worker %s alive", taskID, w.ID))
			continue
		}
		if now.Sub(since) < l.cfg.HeartbeatInterval {
			continue // still inside the ack window
		}

		delete(l.stuckSince, taskID)
		l.logger.Warn("recovery: stuck task unacknowledged after soft-ping window, killing and retrying", "task_id", taskID, "worker_id", w.ID)
		if l.killTask != nil {
			l.killTask(taskID)
		}
		if _, _, err := l.store.HandleTaskFailure(ctx, taskID, task.ClaimToken, store.FailureProcessHang, "stuck task: no heartbeat progress after soft-ping window"); err != nil {
			l.logger.Error("recovery: reclaim stuck task failed", "task_id", taskID, "error", err)
		}
		l.publish("stuck_task_reclaimed", fmt.Sprintf("task %s killed after unacknowledged soft-ping", taskID))
	}

	for taskID := range l.stuckSince {
		if _, ok := seen[taskID]; !ok {
			delete(l.stuckSince, taskID)
		}
	}
}

// releaseElapsedRetries moves every retrying task whose backoff has elapsed
// back to pending.
func (l *Loop) releaseElapsedRetries(ctx context.Context) {
	tasks, err := l.store.Sweep(ctx, store.StatusRetrying)
	if err != nil {
		l.logger.Error("recovery: sweep retrying tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		if _, err := l.store.ReleaseRetry(ctx, t.ID); err != nil {
			l.logger.Error("recovery: release retry failed", "task_id", t.ID, "error", err)
		}
	}
}

// resumeAfterRateLimit watches the Arbiter's availability edge: the moment
// it flips from unavailable to available, every waiting_unban task is moved
// to retrying so the next tick's releaseElapsedRetries (or a subsequent
// tick, once its own backoff clears) can return it to pending.
func (l *Loop) resumeAfterRateLimit(ctx context.Context) {
	if l.arbiter == nil {
		return
	}
	available, _ := l.arbiter.Available()
	if available && !l.wasAvailable {
		moved, err := l.store.ResumeWaitingUnban(ctx)
		if err != nil {
			l.logger.Error("recovery: resume waiting_unban tasks failed", "error", err)
		} else if moved > 0 {
			l.logger.Info("recovery: rate limit resolved, resumed tasks", "count", moved)
			l.publish("rate_limit_resolved", fmt.Sprintf("%d tasks resumed", moved))
		}
	}
	l.wasAvailable = available
}

// checkDiskPressure raises a P1 alert and logs when free space drops below
// the configured floor, and flips diskPressure so DispatchAllowed reflects it
// immediately — the Worker Pool's claim loop reads that flag directly rather
// than waiting on this tick's own cadence.
func (l *Loop) checkDiskPressure(ctx context.Context) {
	if l.cfg.HomeDir == "" {
		return
	}
	freeBytes, err := l.DiskFreeBytes()
	if err != nil {
		l.logger.Error("recovery: statfs failed", "error", err)
		return
	}
	freeGB := float64(freeBytes) / (1 << 30)
	below := freeGB < float64(l.cfg.MinDiskSpaceGB)
	wasBelow := l.diskPressure.Swap(below)
	if below {
		l.logger.Error("recovery: disk space below threshold", "free_gb", freeGB, "threshold_gb", l.cfg.MinDiskSpaceGB)
		l.alert(ctx, "critical", fmt.Sprintf("disk free %.1fGB below min_disk_space_gb=%d, new dispatch halted", freeGB, l.cfg.MinDiskSpaceGB))
		if !wasBelow {
			l.runRetentionSweep(ctx)
		}
	}
}

// DispatchAllowed reports whether new tasks may be claimed, wired into
// worker.Config.DispatchGate by the orchestrator. It defaults to true before
// the first tick has ever run.
func (l *Loop) DispatchAllowed() bool {
	return !l.diskPressure.Load()
}

// runRetentionSweep deletes terminal tasks (and their task_events rows)
// older than RetentionTaskEventsDays, the same cleanup the disk-pressure
// threshold triggers in the reference recovery manager: pruning old
// completed work is what actually recovers headroom, rather than merely
// refusing new dispatch until an operator intervenes.
func (l *Loop) runRetentionSweep(ctx context.Context) {
	if l.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := l.clock.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	n, err := l.store.PurgeTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		l.logger.Error("recovery: retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		l.logger.Info("recovery: retention sweep purged old terminal tasks", "count", n, "cutoff", cutoff)
		l.publish("retention_sweep", fmt.Sprintf("purged %d terminal tasks older than %s", n, cutoff.Format(time.RFC3339)))
	}
}

// checkNetworkReachability is a cheap TCP dial used purely as a gauge; a
// failure alone never fails a task, it only suppresses new rate-limit probe
// attempts (the Arbiter widens its own cadence independently on repeated
// probe failures) and is surfaced here for operators.
func (l *Loop) checkNetworkReachability(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", l.cfg.NetworkProbeAddr)
	if err != nil {
		l.logger.Warn("recovery: network reachability check failed", "addr", l.cfg.NetworkProbeAddr, "error", err)
		l.publish("network_unreachable", "reachability probe failed: "+err.Error())
		return
	}
	conn.Close()
}

// DiskFreeBytes reports free space on HomeDir's filesystem, reused by the
// Metrics surface's system_disk_free_bytes gauge and by Healthy.
func (l *Loop) DiskFreeBytes() (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.cfg.HomeDir, &stat); err != nil {
		return 0, fmt.Errorf("statfs: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// Healthy reports the same readiness signals the tick itself alerts on: the
// Store must be reachable and disk headroom must clear the configured floor.
// It is reused by the /healthz endpoint so the liveness check and the
// periodic self-healing sweep never disagree about what "healthy" means.
func (l *Loop) Healthy(ctx context.Context) (bool, map[string]string) {
	detail := map[string]string{}
	ok := true

	if _, err := l.store.ListTasks(ctx, "", ""); err != nil {
		detail["store"] = err.Error()
		ok = false
	} else {
		detail["store"] = "ok"
	}

	freeBytes, err := l.DiskFreeBytes()
	if err != nil {
		detail["disk"] = err.Error()
		ok = false
	} else {
		freeGB := float64(freeBytes) / (1 << 30)
		if freeGB < float64(l.cfg.MinDiskSpaceGB) {
			detail["disk"] = fmt.Sprintf("free %.1fGB below min_disk_space_gb=%d", freeGB, l.cfg.MinDiskSpaceGB)
			ok = false
		} else {
			detail["disk"] = fmt.Sprintf("free %.1fGB", freeGB)
		}
	}

	return ok, detail
}

func (l *Loop) publish(actionType, description string) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Publish(bus.Event{Topic: bus.TopicRecoveryAction, Payload: bus.RecoveryActionEvent{ActionType: actionType, Description: description}})
}

func (l *Loop) alert(ctx context.Context, severity, message string) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.Publish(bus.Event{Topic: bus.TopicAlert, Payload: bus.AlertEvent{Severity: severity, Message: message}})
}

// processAlive reports whether pid refers to a live OS process, using
// signal 0 which performs existence/permission checks without delivering
// anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
