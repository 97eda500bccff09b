// Package audit is the Security Gate's append-only decision log: every
// command scan verdict and masked-output finding is written to
// logs/audit.jsonl (and, once SetDB wires a database handle, mirrored into
// the audit_log table) independent of whether the task it concerns
// ultimately succeeds.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskwarden/internal/shared"
)

// PolicyVersion tags every entry with the security rule set that produced
// it, so a later rule change doesn't retroactively reinterpret old entries.
const PolicyVersion = "command-risk-v1"

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	TaskID        string `json:"task_id,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	blockCount atomic.Int64
)

// Init opens (creating if needed) homeDir/logs/audit.jsonl for appending.
// Calling Init again while already open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database handle used to mirror entries into the
// audit_log table, in addition to the JSONL file.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// BlockCount returns the total number of blocked/needs_review decisions
// recorded since startup.
func BlockCount() int64 {
	return blockCount.Load()
}

// Record appends one decision. decision is a security.Verdict string
// ("allowed", "needs_review", "blocked"); kind and reason describe which
// command-risk or output-masking rule fired, if any.
func Record(decision, kind, reason, taskID string) {
	if decision != "allowed" {
		blockCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      decision,
			Kind:          kind,
			Reason:        reason,
			PolicyVersion: PolicyVersion,
			TaskID:        taskID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (task_id, kind, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, kind, decision, reason, PolicyVersion)
	}
}
