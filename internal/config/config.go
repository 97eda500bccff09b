package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskwarden/internal/otel"
)

// ClassToolAllowlist maps a task class to the tool names a worker may invoke
// on its behalf. Light ⊆ Medium ⊆ Heavy is an operator responsibility, not
// enforced here; the zero value for a class with no entry is "no tools".
type ClassToolAllowlist map[string][]string

// SandboxConfig controls the optional container-backed execution mode.
type SandboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	MemoryMB  int64  `yaml:"memory_mb"`
	Network   string `yaml:"network"`
	Workspace string `yaml:"workspace"`
}

// TelegramConfig configures the outbound P1-alert channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// MetricsConfig configures the read-only Prometheus/healthz/websocket HTTP
// surface.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Config is the supervisor's single typed configuration record; every
// recognized option and its default is documented inline below. Unknown
// YAML keys are rejected at load time.
type Config struct {
	HomeDir string `yaml:"-"`

	NumWorkers    int    `yaml:"num_workers"`
	MaxAttempts   int    `yaml:"max_attempts"`
	AgentCLIPath  string `yaml:"agent_cli_path"`
	LogLevel      string `yaml:"log_level"`
	BindAddr      string `yaml:"bind_addr"`

	HeartbeatIntervalSeconds    int `yaml:"heartbeat_interval_seconds"`
	HealthCheckIntervalSeconds  int `yaml:"health_check_interval_seconds"`
	DrainTimeoutSeconds         int `yaml:"drain_timeout_seconds"`
	MaxOutputSizeBytes          int `yaml:"max_output_size_bytes"`
	ResumeTailLines             int `yaml:"resume_tail_lines"`

	SessionLimitSeconds        int     `yaml:"session_limit_seconds"`
	DefaultUnbanWaitSeconds    int     `yaml:"default_unban_wait_seconds"`
	RateLimitBackoffMultiplier float64 `yaml:"rate_limit_backoff_multiplier"`
	MinRateLimitProbeSeconds   int     `yaml:"min_rate_limit_probe_seconds"`
	MaxRateLimitProbeSeconds   int     `yaml:"max_rate_limit_probe_seconds"`

	MinDiskSpaceGB           int `yaml:"min_disk_space_gb"`
	MaxDiskProbeIntervalSecs int `yaml:"max_disk_probe_interval_seconds"`
	RetentionTaskEventsDays  int `yaml:"retention_task_events_days"`
	PriorityAgeThresholdSecs int `yaml:"priority_age_threshold_seconds"`
	RecoveryPeriodSeconds    int `yaml:"recovery_period_seconds"`

	SensitivePatterns  []string           `yaml:"sensitive_patterns"`
	ClassToolAllowlist ClassToolAllowlist `yaml:"class_tool_allowlist"`
	// ClassConcurrency caps how many tasks of a given class may be processing
	// at once, independent of num_workers. A class absent here is uncapped.
	ClassConcurrency map[string]int `yaml:"class_concurrency"`

	Metrics   MetricsConfig  `yaml:"metrics"`
	Sandbox   SandboxConfig  `yaml:"sandbox"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Telemetry otel.Config    `yaml:"telemetry"`

	CrontabPath string `yaml:"crontab_path"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		NumWorkers:                  2,
		MaxAttempts:                 5,
		AgentCLIPath:                "claude",
		LogLevel:                    "info",
		BindAddr:                    "127.0.0.1:18789",
		HeartbeatIntervalSeconds:    30,
		HealthCheckIntervalSeconds:  60,
		DrainTimeoutSeconds:         10,
		MaxOutputSizeBytes:          50 * 1024 * 1024,
		ResumeTailLines:             500,
		SessionLimitSeconds:         18000,
		DefaultUnbanWaitSeconds:     3600,
		RateLimitBackoffMultiplier:  1.5,
		MinRateLimitProbeSeconds:    30,
		MaxRateLimitProbeSeconds:    300,
		MinDiskSpaceGB:              5,
		MaxDiskProbeIntervalSecs:    60,
		RetentionTaskEventsDays:     90,
		PriorityAgeThresholdSecs:    1800,
		RecoveryPeriodSeconds:       60,
		Metrics: MetricsConfig{
			Addr: ":8000",
			Path: "/metrics",
		},
		Sandbox: SandboxConfig{
			Image:     "golang:alpine",
			MemoryMB:  512,
			Network:   "none",
			Workspace: "tasks",
		},
		CrontabPath: "",
	}
}

// HomeDir returns the supervisor's working directory, overridable by
// TASKWARDEN_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKWARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskwarden")
}

// Load reads config.yaml (creating the home directory if absent), applies
// environment overrides under the TASKWARDEN_ prefix, defaults missing
// fields, and validates cross-field invariants. Unknown YAML keys are
// rejected.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskwarden home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.NumWorkers < 0 {
		cfg.NumWorkers = d.NumWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.AgentCLIPath == "" {
		cfg.AgentCLIPath = d.AgentCLIPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = d.HeartbeatIntervalSeconds
	}
	if cfg.HealthCheckIntervalSeconds <= 0 {
		cfg.HealthCheckIntervalSeconds = d.HealthCheckIntervalSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}
	if cfg.MaxOutputSizeBytes <= 0 {
		cfg.MaxOutputSizeBytes = d.MaxOutputSizeBytes
	}
	if cfg.ResumeTailLines <= 0 {
		cfg.ResumeTailLines = d.ResumeTailLines
	}
	if cfg.SessionLimitSeconds <= 0 {
		cfg.SessionLimitSeconds = d.SessionLimitSeconds
	}
	if cfg.DefaultUnbanWaitSeconds <= 0 {
		cfg.DefaultUnbanWaitSeconds = d.DefaultUnbanWaitSeconds
	}
	if cfg.RateLimitBackoffMultiplier <= 1 {
		cfg.RateLimitBackoffMultiplier = d.RateLimitBackoffMultiplier
	}
	if cfg.MinRateLimitProbeSeconds <= 0 {
		cfg.MinRateLimitProbeSeconds = d.MinRateLimitProbeSeconds
	}
	if cfg.MaxRateLimitProbeSeconds <= 0 {
		cfg.MaxRateLimitProbeSeconds = d.MaxRateLimitProbeSeconds
	}
	if cfg.MinDiskSpaceGB <= 0 {
		cfg.MinDiskSpaceGB = d.MinDiskSpaceGB
	}
	if cfg.MaxDiskProbeIntervalSecs <= 0 {
		cfg.MaxDiskProbeIntervalSecs = d.MaxDiskProbeIntervalSecs
	}
	if cfg.RetentionTaskEventsDays <= 0 {
		cfg.RetentionTaskEventsDays = d.RetentionTaskEventsDays
	}
	if cfg.PriorityAgeThresholdSecs <= 0 {
		cfg.PriorityAgeThresholdSecs = d.PriorityAgeThresholdSecs
	}
	if cfg.RecoveryPeriodSeconds <= 0 {
		cfg.RecoveryPeriodSeconds = d.RecoveryPeriodSeconds
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = d.Metrics.Addr
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = d.Metrics.Path
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = d.Sandbox.Image
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = d.Sandbox.MemoryMB
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = d.Sandbox.Network
	}
	if cfg.Sandbox.Workspace == "" {
		cfg.Sandbox.Workspace = d.Sandbox.Workspace
	}
}

// validate enforces the cross-field invariants the rest of the system relies on: the
// Arbiter's clamp window must be well-formed and the probe bounds ordered.
func validate(cfg Config) error {
	if cfg.DefaultUnbanWaitSeconds > cfg.SessionLimitSeconds {
		return fmt.Errorf("default_unban_wait_seconds (%d) must be <= session_limit_seconds (%d)",
			cfg.DefaultUnbanWaitSeconds, cfg.SessionLimitSeconds)
	}
	if cfg.MinRateLimitProbeSeconds > cfg.MaxRateLimitProbeSeconds {
		return fmt.Errorf("min_rate_limit_probe_seconds (%d) must be <= max_rate_limit_probe_seconds (%d)",
			cfg.MinRateLimitProbeSeconds, cfg.MaxRateLimitProbeSeconds)
	}
	if cfg.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0, got %d", cfg.NumWorkers)
	}
	return nil
}

// Fingerprint returns a stable hash of the active config, exposed for
// diagnostics and cache-busting.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|attempts=%d|bind=%s|log=%s|metrics=%s%s|sandbox=%v",
		c.NumWorkers, c.MaxAttempts, c.BindAddr, c.LogLevel, c.Metrics.Addr, c.Metrics.Path, c.Sandbox.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKWARDEN_NUM_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.NumWorkers = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttempts = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKWARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKWARDEN_METRICS_ADDR"); raw != "" {
		cfg.Metrics.Addr = raw
	}
	if raw := os.Getenv("TASKWARDEN_AGENT_CLI_PATH"); raw != "" {
		cfg.AgentCLIPath = raw
	}
	if raw := os.Getenv("TASKWARDEN_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_MIN_DISK_SPACE_GB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MinDiskSpaceGB = v
		}
	}
	if raw := os.Getenv("TASKWARDEN_SANDBOX_ENABLED"); raw != "" {
		cfg.Sandbox.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
