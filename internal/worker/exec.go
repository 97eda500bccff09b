package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/security"
	"github.com/basket/taskwarden/internal/store"
)

// runAttempt executes one claimed task end to end: security scan, resume
// payload preparation, subprocess execution, and outcome reporting. It
// proposes an outcome via HandleTaskFailure/Transition and the Store
// disposes — the worker never decides retry counts or the next state itself.
func (p *Pool) runAttempt(ctx context.Context, ws *workerState, task store.Task) {
	logger := p.logger.With("worker_id", ws.id, "task_id", task.ID, "attempt", task.AttemptCount+1)

	verdict, finding := p.gate.ScanCommand(task.Command)
	if verdict == security.Blocked || verdict == security.NeedsReview {
		logger.Warn("worker: command blocked by security gate", "kind", finding.Kind, "verdict", verdict)
		audit.Record(string(verdict), finding.Kind, finding.Span, task.ID)
		if err := p.store.RecordFinding(ctx, task.ID, store.SecurityFinding{
			Kind: finding.Kind, Span: finding.Span, Severity: finding.Severity,
		}); err != nil {
			logger.Error("worker: failed to record security finding", "error", err)
		}
		if _, _, err := p.store.HandleTaskFailure(ctx, task.ID, task.ClaimToken, store.FailureSecurity, fmt.Sprintf("security gate: %s", finding.Kind)); err != nil {
			logger.Error("worker: failed to transition blocked task", "error", err)
		}
		return
	}
	audit.Record(string(security.Allowed), "", "", task.ID)

	workDir := filepath.Join(p.cfg.WorkspaceRoot, task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.Error("worker: failed to create task working directory", "error", err)
		p.reportInternal(ctx, task, "create working directory: "+err.Error())
		return
	}

	command := p.prepareResumeCommand(task, workDir)

	timeout := classTimeout(task.Class)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ws.attach(task.ID, task.ClaimToken, cancel)
	defer ws.detach()

	outcome := p.execute(taskCtx, ws, task, command, workDir)
	p.report(ctx, ws.id, task, outcome)
}

// outcome is the worker's proposal to the Store about how an attempt ended.
type outcome struct {
	kind       bus.Outcome
	failure    store.FailureKind
	detail     string
	exitCode   int
	maskedTail string
}

func (p *Pool) execute(ctx context.Context, ws *workerState, task store.Task, command, workDir string) outcome {
	var cmd *exec.Cmd
	if p.cfg.Sandbox != nil {
		return p.executeSandboxed(ctx, task, command)
	}
	cmd = exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureInternal, detail: "stdout pipe: " + err.Error()}
	}
	cmd.Stderr = cmd.Stdout // merge; the agent CLI's error signatures appear on either stream

	ring := newTailRing(p.cfg.MaxOutputSizeBytes)
	rateLimitHit := make(chan string, 1)
	truncateHit := make(chan struct{}, 1)
	ring.onTruncate(truncateHit)

	if err := cmd.Start(); err != nil {
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureProcessCrash, detail: "start: " + err.Error()}
	}
	ws.setSubprocess(cmd.Process.Pid)

	done := make(chan struct{})
	go p.stream(stdoutPipe, ring, rateLimitHit, ws, done)

	var killReason string
	select {
	case <-done:
	case sig := <-rateLimitHit:
		killReason = sig
		terminate(cmd, p.cfg.GraceShutdownWait)
		<-done
	case <-truncateHit:
		terminate(cmd, p.cfg.GraceShutdownWait)
		<-done
	case <-ctx.Done():
		terminate(cmd, p.cfg.GraceShutdownWait)
		<-done
	}

	waitErr := cmd.Wait()
	masked, _ := p.gate.MaskOutput(ring.String())

	if killReason != "" {
		return outcome{kind: bus.OutcomeRateLimited, failure: store.FailureRateLimited, detail: killReason, maskedTail: masked}
	}
	// Output truncation takes priority over a context-deadline timeout: a
	// subprocess that floods past max_output_size_bytes is killed for that
	// reason specifically, even if it also happened to outlive its timeout
	// by the time terminate() finishes tearing it down.
	if ring.truncated {
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureResource, detail: "output exceeded max_output_size_bytes", maskedTail: masked}
	}
	if ctx.Err() != nil {
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureProcessHang, detail: "timed out after " + classTimeout(task.Class).String(), maskedTail: masked}
	}
	if waitErr == nil {
		return outcome{kind: bus.OutcomeCompleted, exitCode: 0, maskedTail: masked}
	}

	exitCode := -1
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	kind := security.Classify(ring.String())
	return outcome{kind: bus.OutcomeFailed, failure: kind, detail: lastLine(ring.String()), exitCode: exitCode, maskedTail: masked}
}

func (p *Pool) executeSandboxed(ctx context.Context, task store.Task, command string) outcome {
	result, err := p.cfg.Sandbox.Exec(ctx, task.ID, command, p.cfg.MaxOutputSizeBytes)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{kind: bus.OutcomeFailed, failure: store.FailureProcessHang, detail: "sandbox timed out"}
		}
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureProcessCrash, detail: "sandbox: " + err.Error()}
	}
	combined := result.Stdout + "\n" + result.Stderr
	masked, _ := p.gate.MaskOutput(combined)
	if security.Classify(combined) == store.FailureRateLimited {
		return outcome{kind: bus.OutcomeRateLimited, failure: store.FailureRateLimited, detail: lastLine(combined), maskedTail: masked}
	}
	if result.Truncated {
		return outcome{kind: bus.OutcomeFailed, failure: store.FailureResource, detail: "output exceeded max_output_size_bytes", maskedTail: masked}
	}
	if result.ExitCode == 0 {
		return outcome{kind: bus.OutcomeCompleted, exitCode: 0, maskedTail: masked}
	}
	return outcome{kind: bus.OutcomeFailed, failure: security.Classify(combined), detail: lastLine(combined), exitCode: result.ExitCode, maskedTail: masked}
}

// stream copies r into ring line by line, checking each new line (and the
// accumulated tail) against the rate-limit classifier so a mid-stream hit
// can interrupt the subprocess instead of waiting for exit. Every line also
// marks the attempt as having progressed, which is what lets a genuinely
// silent subprocess (as opposed to one merely between output lines) go
// heartbeat-stale.
func (p *Pool) stream(r io.Reader, ring *tailRing, rateLimitHit chan<- string, ws *workerState, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ring.Write([]byte(line + "\n"))
		ws.touchProgress()
		if security.Classify(line) == store.FailureRateLimited {
			select {
			case rateLimitHit <- line:
			default:
			}
			return
		}
	}
}

func terminate(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// report applies the outcome to the Store: success transitions directly to
// completed; every failure path goes through HandleTaskFailure so the
// failure taxonomy's retry/backoff/terminal disposition is applied in one place.
func (p *Pool) report(ctx context.Context, workerID string, task store.Task, o outcome) {
	logger := p.logger.With("task_id", task.ID)
	if p.arbiter != nil && o.kind == bus.OutcomeRateLimited {
		if _, err := p.arbiter.Hit(ctx, o.detail); err != nil {
			logger.Error("worker: failed to record arbiter hit", "error", err)
		}
	}

	switch o.kind {
	case bus.OutcomeCompleted:
		patch := map[string]any{"last_output_tail": o.maskedTail, "worker_id": nil}
		if _, err := p.store.Transition(ctx, task.ID, []store.TaskStatus{store.StatusProcessing}, store.StatusCompleted, patch); err != nil {
			logger.Error("worker: failed to transition to completed", "error", err)
		}
	case bus.OutcomeRateLimited:
		if _, _, err := p.store.HandleTaskFailure(ctx, task.ID, task.ClaimToken, store.FailureRateLimited, o.detail); err != nil {
			logger.Error("worker: failed to report rate limit hit", "error", err)
		}
	default:
		if _, _, err := p.store.HandleTaskFailure(ctx, task.ID, task.ClaimToken, o.failure, o.detail); err != nil {
			logger.Error("worker: failed to report failure", "error", err)
		}
	}

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Topic: bus.TopicTaskOutcome, Payload: bus.TaskOutcomeEvent{
			TaskID: task.ID, WorkerID: workerID, Outcome: o.kind, FailureKind: string(o.failure), Detail: o.detail,
		}})
	}
}

func (p *Pool) reportInternal(ctx context.Context, task store.Task, detail string) {
	if _, _, err := p.store.HandleTaskFailure(ctx, task.ID, task.ClaimToken, store.FailureInternal, detail); err != nil {
		p.logger.Error("worker: failed to report internal failure", "task_id", task.ID, "error", err)
	}
}

// tailRing is a bounded append-only buffer backing last_output_tail: writes
// beyond the byte ceiling are discarded and truncated is set, rather than
// growing without limit.
type tailRing struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
	hit       chan<- struct{}
}

func newTailRing(limit int64) *tailRing {
	if limit <= 0 {
		limit = 50 * 1024 * 1024
	}
	return &tailRing{limit: limit}
}

// onTruncate wires a channel Write signals, once, the first time it starts
// dropping bytes — mirroring how a rate-limit signature interrupts the
// subprocess instead of letting it run to its full timeout.
func (t *tailRing) onTruncate(ch chan<- struct{}) {
	t.hit = ch
}

func (t *tailRing) Write(p []byte) (int, error) {
	wasTruncated := t.truncated
	remaining := t.limit - int64(t.buf.Len())
	switch {
	case remaining <= 0:
		t.truncated = true
	case int64(len(p)) > remaining:
		t.buf.Write(p[:remaining])
		t.truncated = true
	default:
		t.buf.Write(p)
	}
	if t.truncated && !wasTruncated && t.hit != nil {
		select {
		case t.hit <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (t *tailRing) String() string { return t.buf.String() }
