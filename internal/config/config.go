// Package config loads daemon configuration from <home>/config.yaml with
// built-in defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openagents/quorum/internal/otel"
)

// AdmissionConfig caps concurrent work per session.
type AdmissionConfig struct {
	// MaxActivePerSession caps total concurrently active/assigned tasks.
	MaxActivePerSession int `yaml:"max_active_per_session"`
	// MaxChildrenPerParent caps parallel children of one parent task.
	MaxChildrenPerParent int `yaml:"max_children_per_parent"`
	// MaxTasksPerAgent caps concurrent tasks held by one agent.
	MaxTasksPerAgent int `yaml:"max_tasks_per_agent"`
}

// SweepConfig controls the periodic reconciliation passes.
type SweepConfig struct {
	// Interval between maintenance sweeps (task timeouts, retries,
	// admission). A bounded staleness window is accepted here: a task may
	// stay assigned to an unavailable agent until the next pass.
	Interval time.Duration `yaml:"interval"`
	// AssistInterval between assist deadline sweeps.
	AssistInterval time.Duration `yaml:"assist_interval"`
	// Schedule optionally replaces Interval with a 5-field cron
	// expression for the maintenance sweep.
	Schedule string `yaml:"schedule"`
}

// TaskConfig holds task lifecycle defaults.
type TaskConfig struct {
	// Timeout is the default running deadline; tasks may override it.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the default retry ceiling before a permanent fail.
	MaxRetries int `yaml:"max_retries"`
}

// SchedulerConfig holds scoring weights and load limits.
type SchedulerConfig struct {
	SceneMatchWeight       float64 `yaml:"scene_match_weight"`
	ReasoningFitWeight     float64 `yaml:"reasoning_fit_weight"`
	LoadBalanceWeight      float64 `yaml:"load_balance_weight"`
	SuccessRateWeight      float64 `yaml:"success_rate_weight"`
	CostOptimizationWeight float64 `yaml:"cost_optimization_weight"`
	// MaxLoad is the per-agent load at which the load-balance component
	// bottoms out.
	MaxLoad int `yaml:"max_load"`
}

// FailoverConfig holds health evaluation thresholds and manager rotation.
type FailoverConfig struct {
	// FailedTaskThreshold flags an agent degraded at this cumulative
	// failed-task count.
	FailedTaskThreshold int `yaml:"failed_task_threshold"`
	// FailureRateThreshold flags an agent degraded at this failure rate
	// over completed+failed tasks.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// HeartbeatSilence flags an agent degraded after this much heartbeat
	// silence.
	HeartbeatSilence time.Duration `yaml:"heartbeat_silence"`
	// RotationInterval is the task count a manager serves before duty
	// rotates.
	RotationInterval int `yaml:"rotation_interval"`
}

// AssistConfig holds assist request defaults.
type AssistConfig struct {
	// ResponseDeadline is the default deadline for a new request; the
	// per-priority multipliers in the coordinator scale it down for
	// critical/high requests.
	ResponseDeadline time.Duration `yaml:"response_deadline"`
	// AuditLimit bounds the per-request audit history.
	AuditLimit int `yaml:"audit_limit"`
}

// AgentEntry seeds the agent registry at startup.
type AgentEntry struct {
	ID            string   `yaml:"id"`
	DisplayName   string   `yaml:"display_name"`
	Capabilities  []string `yaml:"capabilities"`
	ReasoningTier int      `yaml:"reasoning_tier"`
	CostFactor    float64  `yaml:"cost_factor"`
	Coordinator   bool     `yaml:"coordinator"`
	Disabled      bool     `yaml:"disabled"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Admission AdmissionConfig `yaml:"admission"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Task      TaskConfig      `yaml:"task"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Failover  FailoverConfig  `yaml:"failover"`
	Assist    AssistConfig    `yaml:"assist"`

	Agents []AgentEntry `yaml:"agents"`

	Otel otel.Config `yaml:"otel"`
}

// DefaultHomeDir returns the data directory, honoring QUORUM_HOME.
func DefaultHomeDir() string {
	if dir := os.Getenv("QUORUM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quorum")
}

// Default returns a Config with built-in defaults rooted at homeDir.
func Default(homeDir string) *Config {
	return &Config{
		HomeDir:  homeDir,
		LogLevel: "info",
		DBPath:   filepath.Join(homeDir, "quorum.db"),
		Admission: AdmissionConfig{
			MaxActivePerSession:  3,
			MaxChildrenPerParent: 1,
			MaxTasksPerAgent:     1,
		},
		Sweep: SweepConfig{
			Interval:       30 * time.Second,
			AssistInterval: 30 * time.Second,
		},
		Task: TaskConfig{
			Timeout:    10 * time.Minute,
			MaxRetries: 2,
		},
		Scheduler: SchedulerConfig{
			SceneMatchWeight:       0.35,
			ReasoningFitWeight:     0.25,
			LoadBalanceWeight:      0.20,
			SuccessRateWeight:      0.15,
			CostOptimizationWeight: 0.05,
			MaxLoad:                10,
		},
		Failover: FailoverConfig{
			FailedTaskThreshold:  5,
			FailureRateThreshold: 0.30,
			HeartbeatSilence:     30 * time.Second,
			RotationInterval:     10,
		},
		Assist: AssistConfig{
			ResponseDeadline: 30 * time.Minute,
			AuditLimit:       50,
		},
	}
}

// Load reads <homeDir>/config.yaml, merged over defaults. A missing file
// yields the defaults; a malformed file is an error.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	return LoadFile(homeDir, filepath.Join(homeDir, "config.yaml"))
}

// LoadFile reads an explicit config file merged over the defaults for
// homeDir. A missing file yields the defaults; a malformed file is an
// error.
func LoadFile(homeDir, path string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := Default(homeDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.HomeDir = homeDir
	if lvl := os.Getenv("QUORUM_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Admission.MaxActivePerSession <= 0 {
		return fmt.Errorf("admission.max_active_per_session must be positive, got %d", c.Admission.MaxActivePerSession)
	}
	if c.Admission.MaxChildrenPerParent <= 0 {
		return fmt.Errorf("admission.max_children_per_parent must be positive, got %d", c.Admission.MaxChildrenPerParent)
	}
	if c.Admission.MaxTasksPerAgent <= 0 {
		return fmt.Errorf("admission.max_tasks_per_agent must be positive, got %d", c.Admission.MaxTasksPerAgent)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.Task.MaxRetries < 0 {
		return fmt.Errorf("task.max_retries must not be negative, got %d", c.Task.MaxRetries)
	}
	if c.Failover.FailureRateThreshold <= 0 || c.Failover.FailureRateThreshold > 1 {
		return fmt.Errorf("failover.failure_rate_threshold must be in (0,1], got %v", c.Failover.FailureRateThreshold)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents entry with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.ReasoningTier < 0 || a.ReasoningTier > 10 {
			return fmt.Errorf("agent %q reasoning_tier must be 0-10, got %d", a.ID, a.ReasoningTier)
		}
	}
	return nil
}

// Save writes the config back to <homeDir>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
