package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/The-Foreman/internal/task"
)

const sampleRuleYAML = `id: urgent-builds
description: steer critical build tasks to the dedicated pool
priority: 10
target_agents:
  - builder-1
  - builder-2
match:
  task_type: build
  priority: critical
`

func TestParseRuleYAML(t *testing.T) {
	def, err := ParseRuleYAML([]byte(sampleRuleYAML))
	if err != nil {
		t.Fatalf("ParseRuleYAML: %v", err)
	}
	if def.ID != "urgent-builds" || def.Priority != 10 {
		t.Fatalf("def = %+v", def)
	}
	if len(def.TargetAgents) != 2 {
		t.Fatalf("target agents = %v", def.TargetAgents)
	}
}

func TestParseRuleYAMLRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"empty payload", "   ", "payload is empty"},
		{"missing id", "priority: 1\ntarget_agents: [a]", "id is required"},
		{"no targets", "id: x\npriority: 1", "target agent is required"},
		{"bad match priority", "id: x\ntarget_agents: [a]\nmatch:\n  priority: urgent", "match"},
		{"not yaml", "id: [", "decode definition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleYAML([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompilePredicate(t *testing.T) {
	def, err := ParseRuleYAML([]byte(sampleRuleYAML))
	if err != nil {
		t.Fatalf("ParseRuleYAML: %v", err)
	}
	rule := def.Compile()

	match := task.Metadata{TaskType: "build", Priority: task.PriorityCritical}
	if !rule.Predicate(match) {
		t.Fatal("predicate rejected a matching task")
	}
	if rule.Predicate(task.Metadata{TaskType: "build", Priority: task.PriorityLow}) {
		t.Fatal("predicate matched wrong priority")
	}
	if rule.Predicate(task.Metadata{TaskType: "review", Priority: task.PriorityCritical}) {
		t.Fatal("predicate matched wrong task type")
	}
}

func TestCompileEmptyMatchMatchesEverything(t *testing.T) {
	def, err := ParseRuleYAML([]byte("id: catch-all\npriority: 0\ntarget_agents: [fallback]"))
	if err != nil {
		t.Fatalf("ParseRuleYAML: %v", err)
	}
	if !def.Compile().Predicate(task.Metadata{TaskID: "anything"}) {
		t.Fatal("empty match block must match every task")
	}
}

func TestLoadRuleDir(t *testing.T) {
	dir := t.TempDir()
	writeRule := func(name, id string) {
		payload := "id: " + id + "\npriority: 1\ntarget_agents: [a]\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(payload), 0o644); err != nil {
			t.Fatalf("write rule: %v", err)
		}
	}
	writeRule("20-second.yaml", "second")
	writeRule("10-first.yml", "first")
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	defs, err := LoadRuleDir(dir)
	if err != nil {
		t.Fatalf("LoadRuleDir: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	// Path order controls registration order.
	if defs[0].Definition.ID != "first" || defs[1].Definition.ID != "second" {
		t.Fatalf("order = %s, %s", defs[0].Definition.ID, defs[1].Definition.ID)
	}
}

func TestLoadRuleDirMissingIsEmpty(t *testing.T) {
	defs, err := LoadRuleDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadRuleDir: %v", err)
	}
	if defs != nil {
		t.Fatalf("defs = %v, want nil", defs)
	}
}
