// Package registry is the durable record of known agents: who exists, what
// they can do, and how busy they are. Agent records persist in a single JSON
// roster rewritten on every mutation; workload is never stored, it is derived
// from the agent's working folder so it cannot drift from the filesystem's
// ground truth.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/task"
)

// Status is an agent's liveness state.
type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusUnresponsive Status = "unresponsive"
)

var (
	// ErrDuplicateAgent is returned when registering an id that exists.
	ErrDuplicateAgent = errors.New("registry: agent already registered")
	// ErrUnknownAgent is returned when addressing an unregistered id.
	ErrUnknownAgent = errors.New("registry: unknown agent")
)

// Agent is one roster entry in agents.json.
type Agent struct {
	AgentID            string         `json:"agent_id"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	MaxTasksByType     map[string]int `json:"max_tasks_by_type,omitempty"`
	Status             Status         `json:"status"`
	LastHeartbeat      time.Time      `json:"last_heartbeat"`
	RegisteredAt       time.Time      `json:"registered_at"`
}

// HasCapability reports whether the capability set contains the given name.
// Matching is case-sensitive and exact.
func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry loads the roster fully into memory and rewrites the backing file
// on every mutating call, so a crash leaves the store consistent with the
// last completed operation.
type Registry struct {
	path       string
	agentsRoot string
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	agents map[string]Agent
}

// New opens (or creates) the roster at path. agentsRoot is the base directory
// holding per-agent working folders.
func New(path, agentsRoot string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		path:       path,
		agentsRoot: agentsRoot,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		agents:     map[string]Agent{},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("registry: read roster: %w", err)
	}
	var entries []Agent
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("registry: parse roster: %w", err)
	}
	for _, entry := range entries {
		r.agents[entry.AgentID] = entry
	}
	return nil
}

// persistLocked rewrites the roster file. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	entries := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		entries = append(entries, agent)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode roster: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: ensure roster dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("registry: write roster: %w", err)
	}
	return nil
}

// Register adds a new agent, persists the roster, and creates the agent's
// working folder if absent.
func (r *Registry) Register(agent Agent) error {
	agent.AgentID = strings.TrimSpace(agent.AgentID)
	if agent.AgentID == "" {
		return errors.New("registry: agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.AgentID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.AgentID)
	}
	now := r.now()
	if agent.Status == "" {
		agent.Status = StatusActive
	}
	agent.Capabilities = task.NormalizeCapabilities(agent.Capabilities)
	agent.RegisteredAt = now
	agent.LastHeartbeat = now
	r.agents[agent.AgentID] = agent
	if err := r.persistLocked(); err != nil {
		delete(r.agents, agent.AgentID)
		return err
	}
	if err := os.MkdirAll(r.WorkingDir(agent.AgentID), 0o755); err != nil {
		return fmt.Errorf("registry: create working folder: %w", err)
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", agent.AgentID),
		zap.Strings("capabilities", agent.Capabilities),
		zap.Int("max_concurrent_tasks", agent.MaxConcurrentTasks))
	return nil
}

// Deregister removes the durable record. The working folder and any in-flight
// tasks are left for operators to reconcile.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agentID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	removed := r.agents[agentID]
	delete(r.agents, agentID)
	if err := r.persistLocked(); err != nil {
		r.agents[agentID] = removed
		return err
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// RecordHeartbeat updates last_heartbeat to now. A heartbeat from an
// unresponsive agent is self-healing: its status flips back to active.
func (r *Registry) RecordHeartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	agent.LastHeartbeat = r.now()
	if agent.Status == StatusUnresponsive {
		agent.Status = StatusActive
		r.logger.Info("agent recovered via heartbeat", zap.String("agent_id", agentID))
	}
	r.agents[agentID] = agent
	return r.persistLocked()
}

// SetStatus is the primitive external liveness monitors use to flip an agent
// to unresponsive or inactive.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	agent.Status = status
	r.agents[agentID] = agent
	return r.persistLocked()
}

// MarkUnresponsive flags an agent whose heartbeats have gone quiet. The flag
// clears on the agent's next heartbeat.
func (r *Registry) MarkUnresponsive(agentID string) error {
	return r.SetStatus(agentID, StatusUnresponsive)
}

// Get returns a roster entry by id.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, exists := r.agents[agentID]
	if !exists {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return agent, nil
}

// List returns every roster entry ordered by registration time, then id.
// Round-robin assignment relies on this ordering.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		entries = append(entries, agent)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].RegisteredAt.Equal(entries[j].RegisteredAt) {
			return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
		}
		return entries[i].AgentID < entries[j].AgentID
	})
	return entries
}

// ListActiveAgents returns agents with status active only.
func (r *Registry) ListActiveAgents() []Agent {
	all := r.List()
	active := make([]Agent, 0, len(all))
	for _, agent := range all {
		if agent.Status == StatusActive {
			active = append(active, agent)
		}
	}
	return active
}

// AgentsByCapability returns agents of any status whose capability set
// contains the given capability.
func (r *Registry) AgentsByCapability(capability string) []Agent {
	all := r.List()
	matched := make([]Agent, 0, len(all))
	for _, agent := range all {
		if agent.HasCapability(capability) {
			matched = append(matched, agent)
		}
	}
	return matched
}

// WorkingDir resolves the agent's working folder.
func (r *Registry) WorkingDir(agentID string) string {
	return filepath.Join(r.agentsRoot, agentID)
}

// Workload counts the task files currently present in the agent's working
// folder. Non-task files are excluded by the naming convention.
func (r *Registry) Workload(agentID string) (int, error) {
	if _, err := r.Get(agentID); err != nil {
		return 0, err
	}
	return r.countTasks(agentID, "")
}

// WorkloadForType counts only task files whose header declares the given
// task type.
func (r *Registry) WorkloadForType(agentID, taskType string) (int, error) {
	if _, err := r.Get(agentID); err != nil {
		return 0, err
	}
	return r.countTasks(agentID, taskType)
}

func (r *Registry) countTasks(agentID, taskType string) (int, error) {
	entries, err := os.ReadDir(r.WorkingDir(agentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("registry: list working folder: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !task.IsTaskFile(entry.Name()) {
			continue
		}
		if taskType == "" {
			count++
			continue
		}
		path := filepath.Join(r.WorkingDir(agentID), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		doc, err := task.ParseDocument(data)
		if err != nil {
			continue
		}
		if strings.TrimSpace(doc.HeaderString(task.FieldTaskType)) == taskType {
			count++
		}
	}
	return count, nil
}

// HasCapacity reports whether the agent's workload is below its overall
// ceiling.
func (r *Registry) HasCapacity(agentID string) (bool, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return false, err
	}
	workload, err := r.Workload(agentID)
	if err != nil {
		return false, err
	}
	return workload < agent.MaxConcurrentTasks, nil
}

// HasCapacityForType first checks overall capacity, then any per-type
// ceiling configured for taskType. No per-type ceiling means the overall
// check is sufficient.
func (r *Registry) HasCapacityForType(agentID, taskType string) (bool, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return false, err
	}
	ok, err := r.HasCapacity(agentID)
	if err != nil || !ok {
		return false, err
	}
	limit, configured := agent.MaxTasksByType[taskType]
	if !configured {
		return true, nil
	}
	typed, err := r.WorkloadForType(agentID, taskType)
	if err != nil {
		return false, err
	}
	return typed < limit, nil
}
