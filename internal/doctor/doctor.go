// Package doctor runs the supervisor's startup self-checks: config validity,
// database reachability, filesystem permissions, and external tool
// availability (the Agent CLI binary, crontab, disk space).
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check in the diagnosis came back FAIL, the
// signal the CLI uses to pick a non-zero exit code.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkAgentCLI,
		checkCrontab,
		checkDiskSpace,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	dbPath := store.DefaultDBPath(cfg.HomeDir)
	s, err := store.Open(dbPath, nil, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer s.Close()

	if _, err := s.ListTasks(ctx, "", ""); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema valid", Detail: dbPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkAgentCLI(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent CLI", Status: "SKIP", Message: "config missing"}
	}
	path, err := exec.LookPath(cfg.AgentCLIPath)
	if err != nil {
		return CheckResult{Name: "Agent CLI", Status: "FAIL", Message: fmt.Sprintf("%q not found on PATH: %v", cfg.AgentCLIPath, err)}
	}
	if cfg.Sandbox.Enabled {
		if _, err := exec.LookPath("docker"); err != nil {
			return CheckResult{Name: "Agent CLI", Status: "FAIL", Message: "sandbox enabled but docker not found", Detail: path}
		}
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			return CheckResult{Name: "Agent CLI", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
	}
	return CheckResult{Name: "Agent CLI", Status: "PASS", Message: "resolved", Detail: path}
}

func checkCrontab(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("crontab"); err != nil {
		return CheckResult{Name: "Crontab", Status: "WARN", Message: "crontab binary not found; scheduled submissions will fail"}
	}
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return CheckResult{Name: "Crontab", Status: "PASS", Message: "crontab reachable (currently empty)"}
		}
		return CheckResult{Name: "Crontab", Status: "WARN", Message: fmt.Sprintf("crontab -l failed: %v", err)}
	}
	return CheckResult{Name: "Crontab", Status: "PASS", Message: "crontab reachable"}
}

func checkDiskSpace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Disk Space", Status: "SKIP", Message: "config missing"}
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(cfg.HomeDir, &stat); err != nil {
		return CheckResult{Name: "Disk Space", Status: "FAIL", Message: fmt.Sprintf("statfs failed: %v", err)}
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	freeGB := float64(freeBytes) / (1 << 30)
	thresholdGB := float64(cfg.MinDiskSpaceGB)
	if freeGB < thresholdGB {
		return CheckResult{
			Name:    "Disk Space",
			Status:  "FAIL",
			Message: fmt.Sprintf("%.1f GB free, below min_disk_space_gb=%d", freeGB, cfg.MinDiskSpaceGB),
		}
	}
	return CheckResult{Name: "Disk Space", Status: "PASS", Message: fmt.Sprintf("%.1f GB free", freeGB)}
}
