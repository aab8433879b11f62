// Package config owns the .foreman directory structure and the project
// configuration file. Every project that schedules work through foreman gets
// a .foreman/ folder created in its root; all five core components operate on
// paths resolved from here.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ForemanDir is the name of the directory we create in each project.
const ForemanDir = ".foreman"

const defaultProjectConfigYAML = `# foreman project configuration
version: 1

defaults:
  # Applied when a task header omits the field. The validator does not apply
  # defaults; the engine does.
  priority: medium
  timeout_minutes: 30

validation:
  required_fields:
    - task_id
  # Leave the allow-list empty to accept every task type.
  registered_task_types: []
  allow_unregistered_types: true

claims:
  retry_attempts: 5
  # Backoff between lock acquisition attempts, in milliseconds.
  backoff_ms: [20, 40, 80, 160, 320]
  # Locks older than this are presumed abandoned by a crashed holder.
  max_lock_age_seconds: 300

watcher:
  # Coalesce rapid successive writes to the same intake file.
  debounce_ms: 250
`

// DefaultsConfig mirrors the defaults block of config.yaml.
type DefaultsConfig struct {
	Priority       string `yaml:"priority"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
}

// ValidationConfig mirrors the validation block.
type ValidationConfig struct {
	RequiredFields         []string `yaml:"required_fields"`
	RegisteredTaskTypes    []string `yaml:"registered_task_types"`
	AllowUnregisteredTypes bool     `yaml:"allow_unregistered_types"`
}

// ClaimsConfig mirrors the claims block.
type ClaimsConfig struct {
	RetryAttempts     int   `yaml:"retry_attempts"`
	BackoffMs         []int `yaml:"backoff_ms"`
	MaxLockAgeSeconds int   `yaml:"max_lock_age_seconds"`
}

// WatcherConfig mirrors the watcher block.
type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// ProjectConfig models .foreman/config.yaml.
type ProjectConfig struct {
	Version    int              `yaml:"version"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Validation ValidationConfig `yaml:"validation"`
	Claims     ClaimsConfig     `yaml:"claims"`
	Watcher    WatcherConfig    `yaml:"watcher"`
}

// Config holds the runtime configuration for foreman.
type Config struct {
	// ProjectDir is the directory the scheduler was pointed at.
	ProjectDir string

	// ForemanProjectDir is ProjectDir/.foreman.
	ForemanProjectDir string

	Project ProjectConfig
}

// InitForemanDir creates the .foreman directory structure in the given
// project directory. Safe to call repeatedly.
//
// Structure created:
//
//	.foreman/
//	├── config.yaml
//	├── intake/       <- unclaimed task files land here
//	├── quarantine/   <- malformed task files, byte-identical
//	├── locks/        <- ephemeral claim lock markers
//	├── agents/       <- one working folder per registered agent
//	├── rules/        <- routing rule definitions (*.yaml, *.go)
//	└── logs/         <- operations journal
func InitForemanDir(projectDir string) error {
	foremanDir := filepath.Join(projectDir, ForemanDir)

	dirs := []string{
		filepath.Join(foremanDir, "intake"),
		filepath.Join(foremanDir, "quarantine"),
		filepath.Join(foremanDir, "locks"),
		filepath.Join(foremanDir, "agents"),
		filepath.Join(foremanDir, "rules"),
		filepath.Join(foremanDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(foremanDir, "config.yaml"))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}

// NewConfig loads the project configuration for the given directory. The
// directory tree must have been initialized first.
func NewConfig(projectDir string) (*Config, error) {
	absolute, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:        absolute,
		ForemanProjectDir: filepath.Join(absolute, ForemanDir),
	}
	data, err := os.ReadFile(filepath.Join(cfg.ForemanProjectDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("config: read config.yaml: %w", err)
	}
	var project ProjectConfig
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("config: parse config.yaml: %w", err)
	}
	cfg.Project = project.withDefaults()
	return cfg, nil
}

func (p ProjectConfig) withDefaults() ProjectConfig {
	if strings.TrimSpace(p.Defaults.Priority) == "" {
		p.Defaults.Priority = "medium"
	}
	if p.Defaults.TimeoutMinutes <= 0 {
		p.Defaults.TimeoutMinutes = 30
	}
	if p.Validation.RequiredFields == nil {
		p.Validation.RequiredFields = []string{"task_id"}
	}
	if p.Claims.RetryAttempts <= 0 {
		p.Claims.RetryAttempts = 5
	}
	if len(p.Claims.BackoffMs) == 0 {
		p.Claims.BackoffMs = []int{20, 40, 80, 160, 320}
	}
	if p.Claims.MaxLockAgeSeconds <= 0 {
		p.Claims.MaxLockAgeSeconds = 300
	}
	if p.Watcher.DebounceMs <= 0 {
		p.Watcher.DebounceMs = 250
	}
	return p
}

// IntakeDir is where unclaimed task files live.
func (c *Config) IntakeDir() string {
	return filepath.Join(c.ForemanProjectDir, "intake")
}

// QuarantineDir receives files that failed validation.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.ForemanProjectDir, "quarantine")
}

// LocksDir holds ephemeral claim lock markers.
func (c *Config) LocksDir() string {
	return filepath.Join(c.ForemanProjectDir, "locks")
}

// AgentsDir is the base path for per-agent working folders.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.ForemanProjectDir, "agents")
}

// AgentDir is the working folder for one agent.
func (c *Config) AgentDir(agentID string) string {
	return filepath.Join(c.AgentsDir(), agentID)
}

// RulesDir holds routing rule definition files.
func (c *Config) RulesDir() string {
	return filepath.Join(c.ForemanProjectDir, "rules")
}

// RegistryPath is the durable agent registry store.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ForemanProjectDir, "agents.json")
}

// JournalPath is the append-only operations journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.ForemanProjectDir, "logs", "journal.log")
}

// BackoffSchedule converts the configured backoff milliseconds into
// durations for the claim retry loop.
func (c *Config) BackoffSchedule() []time.Duration {
	schedule := make([]time.Duration, 0, len(c.Project.Claims.BackoffMs))
	for _, ms := range c.Project.Claims.BackoffMs {
		schedule = append(schedule, time.Duration(ms)*time.Millisecond)
	}
	return schedule
}

// MaxLockAge is the stale-lock threshold.
func (c *Config) MaxLockAge() time.Duration {
	return time.Duration(c.Project.Claims.MaxLockAgeSeconds) * time.Second
}

// Debounce is the watcher coalescing window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Project.Watcher.DebounceMs) * time.Millisecond
}
