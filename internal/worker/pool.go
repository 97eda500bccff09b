// Package worker is the Worker Pool: a fixed-size set of
// supervised loops that claim tasks, scan their command, spawn the Agent CLI
// subprocess, and report the outcome back through the Store. Grounded on the
// teacher's HeartbeatManager ticker idiom (internal/engine/heartbeat.go) and
// its HostExecutor subprocess idiom (internal/tools/shell.go), generalized
// from a single periodic system check into N concurrent claim-execute loops.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/ratelimit"
	"github.com/basket/taskwarden/internal/security"
	"github.com/basket/taskwarden/internal/shared"
	"github.com/basket/taskwarden/internal/store"
	"github.com/basket/taskwarden/internal/tools"
)

// ClassTimeouts gives each class a short, medium or long wall-clock
// execution budget.
var ClassTimeouts = map[store.TaskClass]time.Duration{
	store.ClassLight:  5 * time.Minute,
	store.ClassMedium: 30 * time.Minute,
	store.ClassHeavy:  3 * time.Hour,
}

func classTimeout(class store.TaskClass) time.Duration {
	if d, ok := ClassTimeouts[class]; ok {
		return d
	}
	return ClassTimeouts[store.ClassMedium]
}

// Config configures the pool.
type Config struct {
	NumWorkers          int
	AgentCLIPath        string
	WorkspaceRoot       string // tasks/ root; each task gets WorkspaceRoot/<task_id>
	MaxOutputSizeBytes  int64
	ResumeTailLines     int
	HeartbeatInterval   time.Duration
	GraceShutdownWait   time.Duration
	ClassToolAllowlist  map[string][]string
	ClassCaps           map[store.TaskClass]int // per-class concurrent-processing limit; absent class is uncapped
	Sandbox             *tools.Sandbox // nil means plain os/exec

	// CPUPeggedPercent and MemPeggedFloorBytes gate the "pegged subprocess"
	// check: a subprocess sampled at this much CPU *and* above this RSS floor
	// across one heartbeat interval is treated as making no progress, the
	// same as a task that produced no output at all.
	CPUPeggedPercent    float64
	MemPeggedFloorBytes int64

	// DispatchGate, when non-nil, is consulted before every claim attempt; it
	// returning false withholds new dispatch entirely (the Recovery Loop's
	// disk-pressure check wires this to its own threshold gauge) without
	// touching tasks already processing.
	DispatchGate func() bool
}

// Pool owns the supervised worker loops.
type Pool struct {
	cfg     Config
	store   *store.Store
	arbiter *ratelimit.Arbiter
	gate    *security.Gate
	eventBus *bus.Bus
	clock   shared.Clock
	logger  *slog.Logger

	wg     sync.WaitGroup
	states []*workerState
}

// workerState tracks the task a worker is currently attached to, so its
// heartbeat goroutine can stamp the task row as well as the worker row. It
// also tracks the attempt's subprocess PID and whether it has produced any
// output since the last heartbeat tick, so the tick can tell a genuinely
// stuck subprocess apart from one that's merely quiet between lines: a task
// whose subprocess is hung (or pegged on CPU/memory) must eventually go
// heartbeat-stale even though the worker goroutine supervising it is alive
// and ticking normally.
type workerState struct {
	id string

	mu             sync.Mutex
	taskID         string
	claimToken     string
	cancelTask     context.CancelFunc
	subprocessPID  int
	progressed     bool
	cpuSample      procSample
}

func (w *workerState) attach(taskID, claimToken string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.taskID, w.claimToken, w.cancelTask = taskID, claimToken, cancel
	// the attempt itself starting counts as progress, so a task isn't
	// declared stuck before its first heartbeat tick has even elapsed.
	w.progressed = true
	w.subprocessPID = 0
	w.cpuSample = procSample{}
}

func (w *workerState) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.taskID, w.claimToken, w.cancelTask = "", "", nil
	w.subprocessPID = 0
	w.cpuSample = procSample{}
}

func (w *workerState) snapshot() (taskID, claimToken string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskID, w.claimToken
}

// setSubprocess records the PID of the subprocess backing the current
// attempt, once it has been started, so the heartbeat tick can sample its
// CPU/memory usage.
func (w *workerState) setSubprocess(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subprocessPID = pid
}

func (w *workerState) subprocess() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subprocessPID
}

// touchProgress marks the current attempt as having produced output since
// the last heartbeat tick. Called from the output-streaming goroutine.
func (w *workerState) touchProgress() {
	w.mu.Lock()
	w.progressed = true
	w.mu.Unlock()
}

// consumeProgress reports whether the attempt has progressed since the last
// call, resetting the flag for the next interval.
func (w *workerState) consumeProgress() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.progressed
	w.progressed = false
	return p
}

// swapCPUSample replaces the stored CPU sample with next and returns the
// previous one, so the caller can compute a CPU-ticks-per-second delta.
func (w *workerState) swapCPUSample(next procSample) procSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.cpuSample
	w.cpuSample = next
	return prev
}

// signal cancels the current task's context, used by Cancel to interrupt a
// processing subprocess.
func (w *workerState) signal() {
	w.mu.Lock()
	cancel := w.cancelTask
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// New builds a Pool. A nil logger installs slog.Default.
func New(cfg Config, st *store.Store, arbiter *ratelimit.Arbiter, gate *security.Gate, eventBus *bus.Bus, clock shared.Clock, logger *slog.Logger) *Pool {
	if cfg.NumWorkers < 0 {
		cfg.NumWorkers = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.GraceShutdownWait <= 0 {
		cfg.GraceShutdownWait = 10 * time.Second
	}
	if cfg.ResumeTailLines <= 0 {
		cfg.ResumeTailLines = 500
	}
	if cfg.MaxOutputSizeBytes <= 0 {
		cfg.MaxOutputSizeBytes = 50 * 1024 * 1024
	}
	if cfg.CPUPeggedPercent <= 0 {
		cfg.CPUPeggedPercent = 95
	}
	if cfg.MemPeggedFloorBytes <= 0 {
		cfg.MemPeggedFloorBytes = 1 << 30 // 1GiB, matching the psutil floor this is grounded on
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, store: st, arbiter: arbiter, gate: gate, eventBus: eventBus, clock: clock, logger: logger}
}

// Start launches NumWorkers supervised loops. It returns immediately; the
// loops run until ctx is cancelled. A pool of zero workers still lets the
// caller observe Stop() cleanly (boundary behavior: num_workers=0 means no
// task ever leaves pending, but the rest of the supervisor still runs).
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		id := fmt.Sprintf("worker-%d-%d", i, os.Getpid())
		ws := &workerState{id: id}
		p.states = append(p.states, ws)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runHeartbeat(ctx, ws)
		}()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runClaimLoop(ctx, ws)
		}()
	}
}

// Wait blocks until every worker goroutine has exited (after ctx cancel and
// graceful subprocess teardown).
func (p *Pool) Wait() {
	p.wg.Wait()
}

// SetDispatchGate wires a callback the claim loop consults before every
// claim attempt, in addition to cfg.DispatchGate set at construction time.
// The orchestrator wires this to its Recovery Loop's DispatchAllowed, which
// isn't available until after the pool itself is constructed.
func (p *Pool) SetDispatchGate(gate func() bool) {
	p.cfg.DispatchGate = gate
}

// Cancel signals the worker holding taskID to interrupt its subprocess, used
// by the orchestrator's Cancel(id) when state was processing.
func (p *Pool) Cancel(taskID string) {
	for _, ws := range p.states {
		if tid, _ := ws.snapshot(); tid == taskID {
			ws.signal()
		}
	}
}

// runHeartbeat stamps the worker's own liveness row every tick unconditionally
// (so dead-worker detection in the Recovery Loop reflects whether this
// goroutine is alive), but only stamps the attached task's heartbeat_at when
// the attempt actually progressed this interval: the subprocess produced
// output and isn't pegged on CPU+memory. A task whose subprocess is hung or
// pegged therefore goes heartbeat-stale on its own, even though the worker
// goroutine supervising it keeps heartbeating normally — the Recovery Loop's
// stuck-task check (recovery.reclaimStuckTasks) relies on exactly that gap
// to tell "worker dead" apart from "task stuck, worker fine".
func (p *Pool) runHeartbeat(ctx context.Context, ws *workerState) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.store.RemoveWorker(context.Background(), ws.id)
			return
		case <-ticker.C:
			taskID, token := ws.snapshot()
			progressed := ws.consumeProgress()
			pegged := p.subprocessPegged(ws)
			if pegged {
				p.logger.Warn("worker: subprocess pegged on cpu+memory, withholding task heartbeat", "worker_id", ws.id, "task_id", taskID)
			}

			stampToken := token
			if taskID != "" && (!progressed || pegged) {
				// Withhold only the task's heartbeat stamp, never the worker's
				// ownership of it: Heartbeat always upserts current_task_id from
				// taskID, so zeroing taskID here would make the worker look
				// unclaimed and hide the stuck task from reclaimStuckTasks.
				stampToken = ""
			}
			if err := p.store.Heartbeat(ctx, ws.id, strconv.Itoa(os.Getpid()), taskID, stampToken); err != nil {
				p.logger.Warn("worker: heartbeat failed", "worker_id", ws.id, "error", err)
			}
		}
	}
}

// subprocessPegged reports whether ws's attempt subprocess has spent the
// last heartbeat interval pinned above CPUPeggedPercent CPU while holding
// more than MemPeggedFloorBytes RSS — the same "observably alive but pegged"
// case the Recovery Loop treats as a heartbeat miss. It needs two samples to
// compute a delta, so the first tick after a subprocess starts never reports
// pegged.
func (p *Pool) subprocessPegged(ws *workerState) bool {
	pid := ws.subprocess()
	if pid == 0 {
		return false
	}
	ticks, err := readProcCPUTicks(pid)
	if err != nil {
		return false
	}
	rss, err := readProcRSSBytes(pid)
	if err != nil {
		return false
	}
	now := p.clock.Now()
	prev := ws.swapCPUSample(procSample{at: now, cpuTicks: ticks})
	if prev.at.IsZero() {
		return false
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return false
	}
	cpuPercent := 100 * float64(ticks-prev.cpuTicks) / clockTicksPerSec / elapsed
	return cpuPercent >= p.cfg.CPUPeggedPercent && rss >= p.cfg.MemPeggedFloorBytes
}

func (p *Pool) runClaimLoop(ctx context.Context, ws *workerState) {
	const idlePoll = 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.arbiter != nil {
			if available, resumeAt := p.arbiter.Available(); !available {
				wait := idlePoll
				if resumeAt != nil {
					if d := resumeAt.Sub(p.clock.Now()); d > 0 && d < time.Hour {
						wait = d
					}
				}
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
		}

		if p.cfg.DispatchGate != nil && !p.cfg.DispatchGate() {
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}

		task, ok, err := p.store.ClaimWithCaps(ctx, ws.id, p.cfg.ClassCaps)
		if err != nil {
			p.logger.Error("worker: claim failed", "worker_id", ws.id, "error", err)
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}
		if !ok {
			if !sleepCtx(ctx, idlePoll) {
				return
			}
			continue
		}

		p.runAttempt(ctx, ws, task)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
