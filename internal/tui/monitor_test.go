package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/engine"
	"github.com/kingrea/The-Foreman/internal/journal"
	"github.com/kingrea/The-Foreman/internal/lock"
	"github.com/kingrea/The-Foreman/internal/notify"
	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/router"
)

func newTestMonitor(t *testing.T) (*Monitor, *config.Config, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	if err := config.InitForemanDir(dir); err != nil {
		t.Fatalf("InitForemanDir: %v", err)
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	reg, err := registry.New(cfg.RegistryPath(), cfg.AgentsDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	rtr := router.New(reg, zap.NewNop())
	locks := lock.NewManager(cfg.LocksDir(), cfg.IntakeDir(), cfg.AgentsDir(), lock.Options{
		RetryAttempts: 2,
		Backoff:       []time.Duration{time.Millisecond},
	}, zap.NewNop())
	jnl, err := journal.New(cfg.JournalPath())
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	eng := engine.New(cfg, reg, rtr, locks, notify.NewHub(zap.NewNop()), jnl, zap.NewNop())

	if err := reg.Register(registry.Agent{AgentID: "builder", Capabilities: []string{"go"}, MaxConcurrentTasks: 3}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// One task already in flight so the load column reads 1/3.
	claimed := filepath.Join(reg.WorkingDir("builder"), "task-0.md")
	if err := os.WriteFile(claimed, []byte("---\ntask_id: task-0\nclaimed_by: builder\nstatus: in_progress\n---\nbusy\n"), 0o644); err != nil {
		t.Fatalf("write claimed task: %v", err)
	}
	path := filepath.Join(cfg.IntakeDir(), "task-1.md")
	if err := os.WriteFile(path, []byte("---\ntask_id: task-1\npriority: critical\n---\nwork\n"), 0o644); err != nil {
		t.Fatalf("write task: %v", err)
	}
	eng.IngestFile(path)
	jnl.Info("monitor smoke entry")

	return NewMonitor(eng, reg, jnl), cfg, eng
}

func TestMonitorViewShowsQueueAgentsAndJournal(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	msg := m.refresh()
	model, _ := m.Update(msg)
	m = model.(*Monitor)

	view := m.View()
	for _, want := range []string{"foreman status", "task-1", "critical", "builder", "1/3"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if !strings.Contains(view, "monitor smoke entry") {
		t.Fatalf("journal tail missing:\n%s", view)
	}
}

func TestMonitorQuitKeys(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q did not produce a quit command")
	}
	if view := model.(*Monitor).View(); view != "" {
		t.Fatalf("quitting view = %q, want empty", view)
	}
}

func TestMonitorTickSchedulesRefresh(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick did not schedule a refresh")
	}
}
