package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitForemanDirCreatesTree(t *testing.T) {
	dir := t.TempDir()
	if err := InitForemanDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, sub := range []string{"intake", "quarantine", "locks", "agents", "rules", "logs"} {
		info, err := os.Stat(filepath.Join(dir, ForemanDir, sub))
		if err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", sub)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ForemanDir, "config.yaml")); err != nil {
		t.Fatalf("missing config.yaml: %v", err)
	}
	// Second init must not clobber an edited config.
	custom := []byte("version: 1\ndefaults:\n  priority: high\n")
	if err := os.WriteFile(filepath.Join(dir, ForemanDir, "config.yaml"), custom, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}
	if err := InitForemanDir(dir); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Project.Defaults.Priority != "high" {
		t.Fatalf("custom priority lost: %s", cfg.Project.Defaults.Priority)
	}
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := InitForemanDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ForemanDir, "config.yaml"), []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("write sparse config: %v", err)
	}
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.Defaults.Priority != "medium" {
		t.Fatalf("default priority = %s", cfg.Project.Defaults.Priority)
	}
	if cfg.Project.Defaults.TimeoutMinutes != 30 {
		t.Fatalf("default timeout = %d", cfg.Project.Defaults.TimeoutMinutes)
	}
	if got := cfg.Project.Validation.RequiredFields; len(got) != 1 || got[0] != "task_id" {
		t.Fatalf("required fields = %v", got)
	}
	if cfg.MaxLockAge() != 5*time.Minute {
		t.Fatalf("max lock age = %s", cfg.MaxLockAge())
	}
	schedule := cfg.BackoffSchedule()
	if len(schedule) != 5 || schedule[0] != 20*time.Millisecond {
		t.Fatalf("backoff schedule = %v", schedule)
	}
	if cfg.AgentDir("agent-a") != filepath.Join(cfg.ForemanProjectDir, "agents", "agent-a") {
		t.Fatalf("agent dir = %s", cfg.AgentDir("agent-a"))
	}
}
