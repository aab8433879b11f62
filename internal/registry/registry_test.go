package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := New(filepath.Join(dir, "agents.json"), filepath.Join(dir, "agents"), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, dir
}

func writeTaskFile(t *testing.T, dir, name, taskType string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "---\ntask_id: " + name + "\ntask_type: " + taskType + "\n---\nwork\n"
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(body), 0o644); err != nil {
		t.Fatalf("write task: %v", err)
	}
}

func TestRegisterPersistsAndCreatesWorkingDir(t *testing.T) {
	reg, dir := newTestRegistry(t)
	err := reg.Register(Agent{
		AgentID:            "builder-1",
		Capabilities:       []string{"go", "go", " docker "},
		MaxConcurrentTasks: 2,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "agents", "builder-1")); err != nil {
		t.Fatalf("working folder not created: %v", err)
	}

	// A fresh Registry over the same file sees the persisted record.
	reopened, err := New(filepath.Join(dir, "agents.json"), filepath.Join(dir, "agents"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	agent, err := reopened.Get("builder-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if agent.Status != StatusActive {
		t.Fatalf("status = %q, want active", agent.Status)
	}
	want := []string{"docker", "go"}
	if len(agent.Capabilities) != len(want) {
		t.Fatalf("capabilities = %v, want %v", agent.Capabilities, want)
	}
	for i, c := range want {
		if agent.Capabilities[i] != c {
			t.Fatalf("capabilities = %v, want %v", agent.Capabilities, want)
		}
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Agent{AgentID: "a", MaxConcurrentTasks: 1}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(Agent{AgentID: "a", MaxConcurrentTasks: 1})
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestDeregisterUnknownFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Deregister("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestHeartbeatRecoversUnresponsiveAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Agent{AgentID: "a", MaxConcurrentTasks: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.MarkUnresponsive("a"); err != nil {
		t.Fatalf("MarkUnresponsive: %v", err)
	}
	before, _ := reg.Get("a")
	reg.now = func() time.Time { return before.LastHeartbeat.Add(time.Minute) }
	if err := reg.RecordHeartbeat("a"); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	agent, _ := reg.Get("a")
	if agent.Status != StatusActive {
		t.Fatalf("status = %q, want active after heartbeat", agent.Status)
	}
	if !agent.LastHeartbeat.After(before.LastHeartbeat) {
		t.Fatal("last_heartbeat not advanced")
	}
}

func TestListActiveAndByCapability(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, a := range []Agent{
		{AgentID: "a", Capabilities: []string{"go"}, MaxConcurrentTasks: 1},
		{AgentID: "b", Capabilities: []string{"go", "docker"}, MaxConcurrentTasks: 1},
		{AgentID: "c", Capabilities: []string{"docs"}, MaxConcurrentTasks: 1},
	} {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register %s: %v", a.AgentID, err)
		}
	}
	if err := reg.SetStatus("b", StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	active := reg.ListActiveAgents()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	for _, agent := range active {
		if agent.AgentID == "b" {
			t.Fatal("inactive agent listed as active")
		}
	}

	// Capability lookup includes inactive agents.
	goAgents := reg.AgentsByCapability("go")
	if len(goAgents) != 2 {
		t.Fatalf("go agents = %d, want 2", len(goAgents))
	}
}

func TestWorkloadIsDerivedFromWorkingFolder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Register(Agent{AgentID: "a", MaxConcurrentTasks: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	workDir := reg.WorkingDir("a")
	writeTaskFile(t, workDir, "task-001", "build")
	writeTaskFile(t, workDir, "task-002", "review")
	// Non-task files do not count.
	if err := os.WriteFile(filepath.Join(workDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	n, err := reg.Workload("a")
	if err != nil {
		t.Fatalf("Workload: %v", err)
	}
	if n != 2 {
		t.Fatalf("workload = %d, want 2", n)
	}

	typed, err := reg.WorkloadForType("a", "build")
	if err != nil {
		t.Fatalf("WorkloadForType: %v", err)
	}
	if typed != 1 {
		t.Fatalf("build workload = %d, want 1", typed)
	}
}

func TestCapacityChecks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Register(Agent{
		AgentID:            "a",
		MaxConcurrentTasks: 2,
		MaxTasksByType:     map[string]int{"build": 1},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	workDir := reg.WorkingDir("a")
	writeTaskFile(t, workDir, "task-001", "build")

	ok, err := reg.HasCapacity("a")
	if err != nil || !ok {
		t.Fatalf("HasCapacity = %v, %v; want true", ok, err)
	}
	// Per-type ceiling for build is already met.
	ok, err = reg.HasCapacityForType("a", "build")
	if err != nil || ok {
		t.Fatalf("HasCapacityForType(build) = %v, %v; want false", ok, err)
	}
	// No per-type ceiling for review, overall capacity applies.
	ok, err = reg.HasCapacityForType("a", "review")
	if err != nil || !ok {
		t.Fatalf("HasCapacityForType(review) = %v, %v; want true", ok, err)
	}

	writeTaskFile(t, workDir, "task-002", "review")
	ok, err = reg.HasCapacityForType("a", "review")
	if err != nil || ok {
		t.Fatalf("HasCapacityForType at overall ceiling = %v, %v; want false", ok, err)
	}
}

func TestCapacityForUnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.HasCapacity("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}
