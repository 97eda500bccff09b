package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskwarden/internal/store"
)

// chunk is one unit of a Heavy task's frozen progress record. Chunk
// boundaries are decided at first execution and never recomputed.
type chunk struct {
	ID     string `json:"chunk_id"`
	Status string `json:"status"` // "done" or "pending"
	Digest string `json:"digest"`
}

// prepareResumeCommand builds the command line a fresh attempt should run,
// given the task's class and any resume_blob persisted by a prior attempt.
// Light tasks never see a resume payload; Medium prepends prior output tail
// read from a file under the task's working directory; Heavy rewrites the
// command to resume from the first not-done chunk.
func (p *Pool) prepareResumeCommand(task store.Task, workDir string) string {
	switch task.Class {
	case store.ClassMedium:
		return p.prepareMediumResume(task, workDir)
	case store.ClassHeavy:
		return p.prepareHeavyResume(task, workDir)
	default:
		return task.Command
	}
}

func (p *Pool) prepareMediumResume(task store.Task, workDir string) string {
	if task.ResumeBlob == "" {
		return task.Command
	}
	resumePath := filepath.Join(workDir, "resume.blob")
	tail := tailLines(task.ResumeBlob, p.cfg.ResumeTailLines)
	if err := os.WriteFile(resumePath, []byte(tail), 0o644); err != nil {
		p.logger.Warn("worker: failed to write resume blob", "task_id", task.ID, "error", err)
		return task.Command
	}
	return fmt.Sprintf("cat %s; %s", shellQuote(resumePath), task.Command)
}

func (p *Pool) prepareHeavyResume(task store.Task, workDir string) string {
	if task.ResumeBlob == "" {
		return task.Command
	}
	var chunks []chunk
	if err := json.Unmarshal([]byte(task.ResumeBlob), &chunks); err != nil {
		p.logger.Warn("worker: failed to parse heavy resume blob", "task_id", task.ID, "error", err)
		return task.Command
	}
	resumeFrom := ""
	for _, c := range chunks {
		if c.Status != "done" {
			resumeFrom = c.ID
			break
		}
	}
	if resumeFrom == "" {
		return task.Command
	}
	recordPath := filepath.Join(workDir, "progress.json")
	if err := os.WriteFile(recordPath, []byte(task.ResumeBlob), 0o644); err != nil {
		p.logger.Warn("worker: failed to write progress record", "task_id", task.ID, "error", err)
	}
	return fmt.Sprintf("TASKWARDEN_RESUME_FROM_CHUNK=%s TASKWARDEN_PROGRESS_FILE=%s %s",
		shellQuote(resumeFrom), shellQuote(recordPath), task.Command)
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
