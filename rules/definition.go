package rules

import (
	"fmt"
	"strings"

	"github.com/kingrea/The-Foreman/internal/router"
	"github.com/kingrea/The-Foreman/internal/task"
)

// RuleDefinition describes a routing rule loaded from disk.
//
// The struct mirrors the on-disk schema under .foreman/rules/*.yaml and is
// intentionally narrow so rule files can be validated before the router sees
// them. Match conditions are conjunctive: every specified condition must hold
// for the rule to fire; an empty match block matches every task.
type RuleDefinition struct {
	ID           string    `json:"id" yaml:"id"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Priority     int       `json:"priority" yaml:"priority"`
	TargetAgents []string  `json:"target_agents" yaml:"target_agents"`
	Match        MatchSpec `json:"match,omitempty" yaml:"match,omitempty"`
}

// MatchSpec is the declarative predicate of a rule file.
type MatchSpec struct {
	TaskType             string   `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Priority             string   `json:"priority,omitempty" yaml:"priority,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	TaskIDPrefix         string   `json:"task_id_prefix,omitempty" yaml:"task_id_prefix,omitempty"`
}

// Normalized returns a trimmed copy of the definition.
func (def RuleDefinition) Normalized() RuleDefinition {
	clone := RuleDefinition{
		ID:          strings.TrimSpace(def.ID),
		Description: strings.TrimSpace(def.Description),
		Priority:    def.Priority,
		Match: MatchSpec{
			TaskType:     strings.TrimSpace(def.Match.TaskType),
			Priority:     strings.TrimSpace(def.Match.Priority),
			TaskIDPrefix: strings.TrimSpace(def.Match.TaskIDPrefix),
		},
	}
	if len(def.TargetAgents) > 0 {
		clone.TargetAgents = make([]string, 0, len(def.TargetAgents))
		for _, agent := range def.TargetAgents {
			if trimmed := strings.TrimSpace(agent); trimmed != "" {
				clone.TargetAgents = append(clone.TargetAgents, trimmed)
			}
		}
	}
	clone.Match.RequiredCapabilities = task.NormalizeCapabilities(def.Match.RequiredCapabilities)
	return clone
}

// Validate ensures the rule definition is well-formed.
func (def RuleDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	if len(normalized.TargetAgents) == 0 {
		return fmt.Errorf("rule %s: at least one target agent is required", normalized.ID)
	}
	if normalized.Match.Priority != "" {
		if _, err := task.ParsePriority(normalized.Match.Priority); err != nil {
			return fmt.Errorf("rule %s: match: %w", normalized.ID, err)
		}
	}
	return nil
}

// Compile turns the declarative definition into a router rule with a pure
// predicate over task metadata.
func (def RuleDefinition) Compile() router.Rule {
	normalized := def.Normalized()
	match := normalized.Match
	predicate := func(meta task.Metadata) bool {
		if match.TaskType != "" && meta.TaskType != match.TaskType {
			return false
		}
		if match.Priority != "" && string(meta.Priority) != match.Priority {
			return false
		}
		if match.TaskIDPrefix != "" && !strings.HasPrefix(meta.TaskID, match.TaskIDPrefix) {
			return false
		}
		for _, capability := range match.RequiredCapabilities {
			if !containsString(meta.RequiredCapabilities, capability) {
				return false
			}
		}
		return true
	}
	return router.Rule{
		ID:           normalized.ID,
		Priority:     normalized.Priority,
		TargetAgents: normalized.TargetAgents,
		Predicate:    predicate,
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
