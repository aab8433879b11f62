// Package router decides which agents may receive which tasks. Baseline
// eligibility is capability subset matching against the registry; routing
// rules are an override layer on top, steering matching tasks toward named
// agents.
package router

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/task"
)

// ErrUnknownRule is returned when removing a rule id that was never added.
var ErrUnknownRule = errors.New("router: unknown rule")

// Predicate is a pure function over task metadata. Rules loaded from YAML
// compile their match conditions into one of these; Go rule plugins supply
// them directly.
type Predicate func(task.Metadata) bool

// Rule steers tasks matching its predicate toward TargetAgents. Among rules
// whose predicate matches, the highest Priority wins; equal priorities fall
// back to registration order.
type Rule struct {
	ID           string
	Priority     int
	TargetAgents []string
	Predicate    Predicate
}

// Router layers an ordered rule set over registry-backed capability
// eligibility. Rule mutation and evaluation are safe for concurrent use.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu    sync.Mutex
	rules []Rule
}

// New builds a Router over the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: reg, logger: logger}
}

// EligibleAgents returns the ids of all active agents whose capability set
// covers the task's requirements. A task requiring nothing is eligible for
// every active agent. The result is sorted by registration order (the order
// the registry lists agents in).
func (r *Router) EligibleAgents(meta task.Metadata) []string {
	required := task.NormalizeCapabilities(meta.RequiredCapabilities)
	var eligible []string
	for _, agent := range r.registry.ListActiveAgents() {
		if hasAll(agent, required) {
			eligible = append(eligible, agent.AgentID)
		}
	}
	return eligible
}

// CanAgentHandleTask reports whether the agent's capabilities cover the
// task's requirements. An unknown agent is not an error here; it simply
// cannot handle anything.
func (r *Router) CanAgentHandleTask(agentID string, meta task.Metadata) bool {
	agent, err := r.registry.Get(agentID)
	if err != nil {
		return false
	}
	return hasAll(agent, task.NormalizeCapabilities(meta.RequiredCapabilities))
}

func hasAll(agent registry.Agent, required []string) bool {
	for _, capability := range required {
		if !agent.HasCapability(capability) {
			return false
		}
	}
	return true
}

// AddRule appends to the rule set. A rule with a nil predicate never matches.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	r.logger.Info("routing rule added",
		zap.String("rule_id", rule.ID),
		zap.Int("priority", rule.Priority),
		zap.Strings("target_agents", rule.TargetAgents))
}

// RemoveRule deletes the rule with the given id.
func (r *Router) RemoveRule(ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.ID == ruleID {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return nil
		}
	}
	return ErrUnknownRule
}

// Rules returns a snapshot of the current rule set in registration order.
func (r *Router) Rules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// EvaluateRules runs every predicate against the task and returns the target
// agents of the highest-priority matching rule, or nil when nothing matches.
// Ties on priority go to the rule registered first.
func (r *Router) EvaluateRules(meta task.Metadata) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Rule
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Predicate == nil || !rule.Predicate(meta) {
			continue
		}
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}
	if best == nil {
		return nil
	}
	targets := make([]string, len(best.TargetAgents))
	copy(targets, best.TargetAgents)
	return targets
}
