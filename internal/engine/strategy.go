package engine

import (
	"fmt"
	"sort"

	"github.com/kingrea/The-Foreman/internal/registry"
)

// Strategy names an agent-selection policy for push-style assignment.
type Strategy string

const (
	// StrategyPriorityFirst hands the task to the first capable agent in
	// registration order; task choice is always priority-ordered.
	StrategyPriorityFirst Strategy = "priority-first"
	// StrategyRoundRobin cycles through capable agents in registration order
	// so each of N agents receives one of the first N tasks.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded picks the agent with the fewest claimed tasks.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyCapabilityMatch picks the agent with the smallest capability
	// set, keeping generalists free for tasks only they can serve.
	StrategyCapabilityMatch Strategy = "capability-match"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyPriorityFirst, StrategyRoundRobin, StrategyLeastLoaded, StrategyCapabilityMatch:
		return Strategy(name), nil
	}
	return "", fmt.Errorf("engine: unknown strategy %q", name)
}

// pickLeastLoaded returns the candidate with the lowest workload; ties break
// on lexicographic agent id so the choice is deterministic.
func pickLeastLoaded(reg *registry.Registry, candidates []registry.Agent) (string, error) {
	best := ""
	bestLoad := -1
	for _, agent := range candidates {
		load, err := reg.Workload(agent.AgentID)
		if err != nil {
			return "", err
		}
		if bestLoad == -1 || load < bestLoad || (load == bestLoad && agent.AgentID < best) {
			best = agent.AgentID
			bestLoad = load
		}
	}
	return best, nil
}

// pickMostSpecialized returns the candidate with the smallest capability set;
// ties break on lexicographic agent id.
func pickMostSpecialized(candidates []registry.Agent) string {
	sorted := make([]registry.Agent, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Capabilities) != len(sorted[j].Capabilities) {
			return len(sorted[i].Capabilities) < len(sorted[j].Capabilities)
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})
	if len(sorted) == 0 {
		return ""
	}
	return sorted[0].AgentID
}
