// Package engine orchestrates task assignment: it watches the intake folder,
// validates and enqueues incoming tasks, and matches queued tasks to agents
// through the router, the registry, and the claim lock manager.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/journal"
	"github.com/kingrea/The-Foreman/internal/lock"
	"github.com/kingrea/The-Foreman/internal/notify"
	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/router"
	"github.com/kingrea/The-Foreman/internal/task"
)

// Engine wires the scheduler together. One engine instance serves one
// project tree; several instances in several processes may share that tree,
// coordinated only through the lock manager.
type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	locks    *lock.Manager
	hub      *notify.Hub
	journal  *journal.Journal
	logger   *zap.Logger

	mu       sync.Mutex
	queue    *taskQueue
	paths    map[string]string // intake path -> queued task id
	strategy Strategy
	rrCursor int

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	timersMu sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds an engine over already-constructed collaborators.
func New(cfg *config.Config, reg *registry.Registry, rtr *router.Router, locks *lock.Manager, hub *notify.Hub, jnl *journal.Journal, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		registry: reg,
		router:   rtr,
		locks:    locks,
		hub:      hub,
		journal:  jnl,
		logger:   logger,
		queue:    newTaskQueue(),
		paths:    map[string]string{},
		strategy: StrategyPriorityFirst,
	}
}

func (e *Engine) validatorOptions() task.ValidatorOptions {
	v := e.cfg.Project.Validation
	return task.ValidatorOptions{
		RequiredFields:         v.RequiredFields,
		RegisteredTaskTypes:    v.RegisteredTaskTypes,
		AllowUnregisteredTypes: v.AllowUnregisteredTypes,
	}
}

func (e *Engine) defaults() task.Defaults {
	d := e.cfg.Project.Defaults
	return task.Defaults{
		Priority:       task.Priority(d.Priority),
		TimeoutMinutes: d.TimeoutMinutes,
	}
}

// StartWatching begins observing the intake folder. It scans existing files
// first so tasks written while no engine was running are not lost. Calling
// it on a watching engine is a no-op.
func (e *Engine) StartWatching() error {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("engine: create watcher: %w", err)
	}
	if err := watcher.Add(e.cfg.IntakeDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("engine: watch intake: %w", err)
	}
	e.watcher = watcher
	e.timers = map[string]*time.Timer{}
	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.watchLoop(watcher)

	if err := e.scanIntake(); err != nil {
		e.logger.Warn("initial intake scan failed", zap.Error(err))
	}
	e.logger.Info("watching intake folder", zap.String("dir", e.cfg.IntakeDir()))
	return nil
}

// StopWatching tears the watcher down and waits for the event loop to drain.
// Safe to call repeatedly and before StartWatching.
func (e *Engine) StopWatching() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watcher == nil {
		return
	}
	close(e.done)
	e.watcher.Close()
	e.wg.Wait()
	e.timersMu.Lock()
	for _, timer := range e.timers {
		timer.Stop()
	}
	e.timers = nil
	e.timersMu.Unlock()
	e.watcher = nil
}

func (e *Engine) watchLoop(watcher *fsnotify.Watcher) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !task.IsTaskFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				e.scheduleIngest(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				e.handleRemoved(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// scheduleIngest coalesces rapid successive writes to the same path: each
// event resets the path's timer, and only the last one fires.
func (e *Engine) scheduleIngest(path string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.timers == nil {
		return
	}
	if timer, ok := e.timers[path]; ok {
		timer.Stop()
	}
	e.timers[path] = time.AfterFunc(e.cfg.Debounce(), func() {
		e.timersMu.Lock()
		delete(e.timers, path)
		e.timersMu.Unlock()
		e.IngestFile(path)
	})
}

func (e *Engine) scanIntake() error {
	entries, err := os.ReadDir(e.cfg.IntakeDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !task.IsTaskFile(entry.Name()) {
			continue
		}
		e.IngestFile(filepath.Join(e.cfg.IntakeDir(), entry.Name()))
	}
	return nil
}

// IngestFile validates one intake file and either enqueues it or moves it to
// quarantine. A vanished file is a normal race with a concurrent claim.
func (e *Engine) IngestFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("read intake file failed", zap.String("path", path), zap.Error(err))
		}
		return
	}

	report := task.ValidateTaskFile(raw, e.validatorOptions())
	if !report.IsValid() {
		e.quarantine(path, report)
		return
	}

	doc, err := task.ParseDocument(raw)
	if err != nil {
		// Validation passed so the header parses; a race rewrote the file.
		e.logger.Warn("intake file changed mid-ingest", zap.String("path", path), zap.Error(err))
		return
	}
	meta, err := task.MetadataFromDocument(doc, path, e.defaults())
	if err != nil {
		e.quarantine(path, task.Report{Errors: []task.ValidationError{{
			Kind:    task.ErrorMalformedHeader,
			Message: err.Error(),
		}}})
		return
	}
	if meta.Claimed() {
		// A claimed file does not belong in intake; leave it for operators.
		e.logger.Warn("claimed task found in intake, skipping",
			zap.String("task_id", meta.TaskID),
			zap.String("claimed_by", meta.ClaimedBy))
		return
	}

	e.mu.Lock()
	e.queue.upsert(meta)
	e.paths[path] = meta.TaskID
	depth := e.queue.len()
	e.mu.Unlock()

	e.logger.Info("task enqueued",
		zap.String("task_id", meta.TaskID),
		zap.String("priority", string(meta.Priority)),
		zap.Int("queue_depth", depth))

	if meta.Priority == task.PriorityCritical {
		e.NotifyAgentsOfTask(meta)
	}
}

// quarantine moves the file byte-identical into the quarantine folder and
// records every validation failure found.
func (e *Engine) quarantine(path string, report task.Report) {
	dst := filepath.Join(e.cfg.QuarantineDir(), filepath.Base(path))
	if err := os.MkdirAll(e.cfg.QuarantineDir(), 0o755); err != nil {
		e.logger.Error("quarantine dir missing", zap.Error(err))
		return
	}
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		e.logger.Error("quarantine move failed", zap.String("path", path), zap.Error(err))
		return
	}
	messages := report.Messages()
	e.logger.Warn("task quarantined",
		zap.String("file", filepath.Base(path)),
		zap.Strings("errors", messages))
	e.journal.Warn("quarantined %s: %d validation error(s)", filepath.Base(path), len(messages))
	for _, msg := range messages {
		e.journal.Warn("  %s: %s", filepath.Base(path), msg)
	}
}

func (e *Engine) handleRemoved(path string) {
	e.timersMu.Lock()
	if timer, ok := e.timers[path]; ok {
		timer.Stop()
		delete(e.timers, path)
	}
	e.timersMu.Unlock()

	e.mu.Lock()
	taskID, ok := e.paths[path]
	if !ok {
		taskID = task.Stem(path)
	}
	delete(e.paths, path)
	removed := e.queue.remove(taskID)
	e.mu.Unlock()
	if removed {
		e.logger.Info("task left intake", zap.String("task_id", taskID))
	}
}

func (e *Engine) removeQueued(taskID string) {
	e.mu.Lock()
	e.queue.remove(taskID)
	for path, id := range e.paths {
		if id == taskID {
			delete(e.paths, path)
		}
	}
	e.mu.Unlock()
}

// GetAvailableTasks returns a snapshot of the queue in priority order,
// critical first, arrival order within a priority.
func (e *Engine) GetAvailableTasks() []task.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.snapshot()
}

// GetTasksByPriority filters the snapshot to one priority.
func (e *Engine) GetTasksByPriority(priority task.Priority) []task.Metadata {
	all := e.GetAvailableTasks()
	filtered := make([]task.Metadata, 0, len(all))
	for _, meta := range all {
		if meta.Priority == priority {
			filtered = append(filtered, meta)
		}
	}
	return filtered
}

// SetStrategy selects the assignment strategy by name.
func (e *Engine) SetStrategy(name string) error {
	strategy, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.strategy = strategy
	e.mu.Unlock()
	e.logger.Info("assignment strategy changed", zap.String("strategy", name))
	return nil
}

// GetStrategy returns the active strategy.
func (e *Engine) GetStrategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// AssignNextTask is the pull entry point: the named agent asks for work.
// An unregistered agent is a caller bug and propagates as an error; no
// capacity, no eligible task, or a lost claim race all return nil, nil.
func (e *Engine) AssignNextTask(agentID string) (*task.Metadata, error) {
	if _, err := e.registry.Get(agentID); err != nil {
		return nil, err
	}
	ok, err := e.registry.HasCapacity(agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// Walk the snapshot in priority order; the first claimable eligible task
	// wins. Tasks further down stay queued for the next call.
	for _, meta := range e.GetAvailableTasks() {
		if !e.router.CanAgentHandleTask(agentID, meta) {
			continue
		}
		typeOK, err := e.registry.HasCapacityForType(agentID, meta.TaskType)
		if err != nil {
			return nil, err
		}
		if !typeOK {
			continue
		}
		result := e.locks.AttemptClaim(meta.TaskID, agentID)
		if !result.Success {
			e.logger.Info("claim lost",
				zap.String("task_id", meta.TaskID),
				zap.String("agent_id", agentID),
				zap.NamedError("reason", result.Err))
			return nil, nil
		}
		e.removeQueued(meta.TaskID)
		assigned := meta
		assigned.ClaimedBy = agentID
		assigned.Status = task.StatusInProgress
		e.journal.Info("assigned %s to %s", meta.TaskID, agentID)
		return &assigned, nil
	}
	return nil, nil
}

// AssignTaskToAgent is the push entry point: the engine has a specific task
// and selects an agent for it per the active strategy. It returns the chosen
// agent id, or "" when no agent could take the task.
func (e *Engine) AssignTaskToAgent(meta task.Metadata) (string, error) {
	candidates, err := e.candidateAgents(meta)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", nil
	}

	agentID, err := e.selectAgent(candidates)
	if err != nil {
		return "", err
	}
	if agentID == "" {
		return "", nil
	}
	result := e.locks.AttemptClaim(meta.TaskID, agentID)
	if !result.Success {
		e.logger.Info("claim lost",
			zap.String("task_id", meta.TaskID),
			zap.String("agent_id", agentID),
			zap.NamedError("reason", result.Err))
		return "", nil
	}
	e.removeQueued(meta.TaskID)
	e.journal.Info("assigned %s to %s", meta.TaskID, agentID)
	return agentID, nil
}

// candidateAgents computes capability-eligible agents with capacity,
// restricted by routing rules when a rule matches and names agents that are
// themselves eligible.
func (e *Engine) candidateAgents(meta task.Metadata) ([]registry.Agent, error) {
	var eligible []registry.Agent
	for _, agent := range e.registry.ListActiveAgents() {
		if !e.router.CanAgentHandleTask(agent.AgentID, meta) {
			continue
		}
		ok, err := e.registry.HasCapacityForType(agent.AgentID, meta.TaskType)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, agent)
		}
	}

	targets := e.router.EvaluateRules(meta)
	if len(targets) == 0 {
		return eligible, nil
	}
	targeted := make([]registry.Agent, 0, len(eligible))
	for _, agent := range eligible {
		for _, target := range targets {
			if agent.AgentID == target {
				targeted = append(targeted, agent)
				break
			}
		}
	}
	// A rule naming only ineligible agents falls back to plain eligibility
	// rather than stranding the task.
	if len(targeted) == 0 {
		return eligible, nil
	}
	return targeted, nil
}

func (e *Engine) selectAgent(candidates []registry.Agent) (string, error) {
	e.mu.Lock()
	strategy := e.strategy
	e.mu.Unlock()

	switch strategy {
	case StrategyRoundRobin:
		e.mu.Lock()
		agent := candidates[e.rrCursor%len(candidates)]
		e.rrCursor++
		e.mu.Unlock()
		return agent.AgentID, nil
	case StrategyLeastLoaded:
		return pickLeastLoaded(e.registry, candidates)
	case StrategyCapabilityMatch:
		return pickMostSpecialized(candidates), nil
	default:
		// priority-first: registration order.
		return candidates[0].AgentID, nil
	}
}

// NotifyAgentsOfTask emits a wake-up signal to every agent eligible for a
// critical task and returns the notified agent ids. Non-critical tasks are a
// no-op: routine work waits for agents to pull.
func (e *Engine) NotifyAgentsOfTask(meta task.Metadata) []string {
	if meta.Priority != task.PriorityCritical {
		return nil
	}
	eligible := e.router.EligibleAgents(meta)
	now := time.Now().UTC()
	for _, agentID := range eligible {
		e.hub.Publish(notify.Event{
			EventID:  uuid.NewString(),
			AgentID:  agentID,
			TaskID:   meta.TaskID,
			TaskType: meta.TaskType,
			Priority: meta.Priority,
			At:       now,
		})
	}
	e.logger.Info("critical task broadcast",
		zap.String("task_id", meta.TaskID),
		zap.Strings("agents", eligible))
	e.journal.Info("critical task %s announced to %d agent(s)", meta.TaskID, len(eligible))
	return eligible
}

// ReleaseTask returns a claimed task to intake. When failed is true the
// header's reclaim count is incremented before the watcher re-ingests it, so
// repeatedly bouncing tasks remain visible to operators.
func (e *Engine) ReleaseTask(taskID, agentID string, failed bool) error {
	if _, err := e.registry.Get(agentID); err != nil {
		return err
	}
	if err := e.locks.ReleaseClaim(taskID, agentID); err != nil {
		return err
	}
	if failed {
		if err := e.bumpReclaimCount(taskID); err != nil {
			e.logger.Warn("reclaim count update failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	e.journal.Info("released %s from %s (failed=%t)", taskID, agentID, failed)
	return nil
}

func (e *Engine) bumpReclaimCount(taskID string) error {
	path, err := e.locks.IntakeTaskPath(taskID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := task.ParseDocument(raw)
	if err != nil {
		return err
	}
	count, _, err := doc.HeaderInt(task.FieldReclaimCount)
	if err != nil {
		return err
	}
	doc.SetHeaderInt(task.FieldReclaimCount, count+1)
	encoded, err := doc.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

// SweepStaleLocks force-releases locks older than the configured maximum age
// and journals the result. Meant to be driven by an external schedule.
func (e *Engine) SweepStaleLocks() (int, error) {
	released, err := e.locks.ReleaseStaleLocksOlderThan(e.cfg.MaxLockAge())
	if err != nil {
		return released, err
	}
	if released > 0 {
		e.journal.Info("stale lock sweep released %d lock(s)", released)
	}
	return released, nil
}
