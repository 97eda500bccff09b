// Package cron manages the periodic submitter: OS crontab entries that
// invoke the submission CLI on a schedule. In-process schedule metadata
// (enabled/disabled, last-run) is Store-backed; the crontab entries
// themselves are executed by the OS cron daemon, not an in-process
// scheduler.
package cron

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskwarden/internal/store"
)

const sentinelPrefix = "AUTO_CLAUDE_TASK"

// cronParser validates standard 5-field cron expressions (minute, hour, dom,
// month, dow) before a crontab line is ever written.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var sentinelRe = regexp.MustCompile(`^# ` + sentinelPrefix + `:(\S+) - `)

// ValidateCronExpr reports whether expr parses as a valid 5-field cron
// expression.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Manager reconciles Store-backed Schedule rows against the invoking user's
// OS crontab.
type Manager struct {
	store         *store.Store
	logger        *slog.Logger
	submitCLIPath string
}

// NewManager builds a Manager. submitCLIPath is the executable crontab lines
// invoke to perform the actual submission (conventionally the same binary
// running the daemon, in "submit" subcommand form).
func NewManager(st *store.Store, logger *slog.Logger, submitCLIPath string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger, submitCLIPath: submitCLIPath}
}

func readCrontab(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab for") {
			return "", nil
		}
		if _, ok := err.(*exec.ExitError); ok {
			return "", nil
		}
		return "", fmt.Errorf("read crontab: %w (%s)", err, stderr.String())
	}
	return stdout.String(), nil
}

func writeCrontab(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write crontab: %w (%s)", err, stderr.String())
	}
	return nil
}

func commandLine(submitCLIPath string, sched store.Schedule) string {
	parts := []string{
		submitCLIPath, "submit",
		"--name", quote(sched.Name),
		"--description", quote(sched.Description),
		"--class", string(sched.Class),
		"--priority", sched.Priority.String(),
		"--dedup-key", quote(fmt.Sprintf("schedule:%s", sched.ID)),
	}
	if sched.WorkingDir != "" {
		parts = append(parts, "--working-dir", quote(sched.WorkingDir))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func sentinelLine(sched store.Schedule) string {
	return fmt.Sprintf("# %s:%s - %s (created: %s)", sentinelPrefix, sched.ID, sched.Name, sched.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
}

// AddSchedule validates the cron expression, persists the Schedule via the
// Store, and appends its sentinel comment plus command line to the
// crontab.
func (m *Manager) AddSchedule(ctx context.Context, sched store.Schedule) (store.Schedule, error) {
	if err := ValidateCronExpr(sched.CronExpr); err != nil {
		return store.Schedule{}, err
	}
	sched.Enabled = true
	saved, err := m.store.InsertSchedule(ctx, sched)
	if err != nil {
		return store.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}

	current, err := readCrontab(ctx)
	if err != nil {
		return store.Schedule{}, err
	}
	if current != "" && !strings.HasSuffix(current, "\n") {
		current += "\n"
	}
	current += sentinelLine(saved) + "\n"
	current += saved.CronExpr + " " + commandLine(m.submitCLIPath, saved) + "\n"

	if err := writeCrontab(ctx, current); err != nil {
		return store.Schedule{}, err
	}
	m.logger.Info("cron: schedule added", "schedule_id", saved.ID, "name", saved.Name, "cron_expr", saved.CronExpr)
	return saved, nil
}

// RemoveSchedule deletes the Schedule from the Store and strips its
// sentinel comment and command line from the crontab.
func (m *Manager) RemoveSchedule(ctx context.Context, id string) error {
	current, err := readCrontab(ctx)
	if err != nil {
		return err
	}
	rewritten, found := removeEntry(current, id)
	if found {
		if err := writeCrontab(ctx, rewritten); err != nil {
			return err
		}
	}
	if err := m.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	m.logger.Info("cron: schedule removed", "schedule_id", id)
	return nil
}

// EnableSchedule/DisableSchedule toggle a schedule by commenting or
// uncommenting its crontab command line in place, preserving the sentinel
// and schedule history across a toggle rather than deleting and recreating
// the entry.
func (m *Manager) EnableSchedule(ctx context.Context, id string) error {
	return m.setEnabled(ctx, id, true)
}

func (m *Manager) DisableSchedule(ctx context.Context, id string) error {
	return m.setEnabled(ctx, id, false)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) error {
	current, err := readCrontab(ctx)
	if err != nil {
		return err
	}
	rewritten, found := toggleEntry(current, id, enabled)
	if found {
		if err := writeCrontab(ctx, rewritten); err != nil {
			return err
		}
	}
	if err := m.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	m.logger.Info("cron: schedule toggled", "schedule_id", id, "enabled", enabled)
	return nil
}

// ListSchedules returns the Store's view of every schedule; the Store is
// the source of truth for metadata, the crontab only for execution.
func (m *Manager) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return m.store.ListSchedules(ctx)
}

func removeEntry(content, id string) (string, bool) {
	lines := strings.Split(content, "\n")
	var out []string
	found := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if m := sentinelRe.FindStringSubmatch(line); m != nil && m[1] == id {
			found = true
			i++ // also skip the command line
			continue
		}
		out = append(out, line)
	}
	result := strings.Join(out, "\n")
	result = strings.TrimRight(result, "\n")
	if result != "" {
		result += "\n"
	}
	return result, found
}

func toggleEntry(content, id string, enable bool) (string, bool) {
	lines := strings.Split(content, "\n")
	found := false
	for i := 0; i < len(lines); i++ {
		if m := sentinelRe.FindStringSubmatch(lines[i]); m != nil && m[1] == id {
			found = true
			if i+1 < len(lines) {
				cmdLine := lines[i+1]
				if enable {
					lines[i+1] = strings.TrimPrefix(strings.TrimPrefix(cmdLine, "#"), " ")
				} else if !strings.HasPrefix(cmdLine, "#") {
					lines[i+1] = "#" + cmdLine
				}
			}
			break
		}
	}
	result := strings.Join(lines, "\n")
	result = strings.TrimRight(result, "\n")
	if result != "" {
		result += "\n"
	}
	return result, found
}
