// Package notify delivers best-effort wake-up signals to agents within one
// process: "a task you are eligible for just arrived." Delivery is buffered
// and lossy under pressure; the intake folder remains the source of truth,
// so a dropped signal costs latency, never correctness.
package notify

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/task"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// Event announces a task to one agent.
type Event struct {
	EventID  string
	AgentID  string
	TaskID   string
	TaskType string
	Priority task.Priority
	At       time.Time
}

// Option customizes Hub construction.
type Option func(*Hub)

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) Option {
	return func(h *Hub) {
		if capacity > 0 {
			h.channelSize = capacity
		}
	}
}

// WithBacklogLimit overrides how many events are held for an agent that has
// not subscribed yet.
func WithBacklogLimit(limit int) Option {
	return func(h *Hub) {
		if limit > 0 {
			h.backlogLimit = limit
		}
	}
}

// WithDedupeWindow controls how many recent event IDs are retained.
func WithDedupeWindow(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.dedupeWindow = size
		}
	}
}

// Hub fans events out to per-agent subscribers with buffering, deduplication,
// and bounded channels. Events published before an agent subscribes are held
// in a bounded backlog and replayed on subscription.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	backlog     map[string][]Event
	recentIDs   map[string]struct{}
	recentOrder []string

	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       *zap.Logger
}

// NewHub constructs a hub with sane defaults.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscription is one agent's live event stream.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers for events addressed to agentID. Any backlog buffered
// for the agent is replayed into the new subscription first.
func (h *Hub) Subscribe(agentID string) Subscription {
	agent := normalizeAgent(agentID)
	sub := newSubscriber(h.channelSize, h.logger)
	var backlog []Event
	h.mu.Lock()
	if h.subscribers[agent] == nil {
		h.subscribers[agent] = map[*subscriber]struct{}{}
	}
	h.subscribers[agent][sub] = struct{}{}
	if existing := h.backlog[agent]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(h.backlog, agent)
	}
	h.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			h.removeSubscriber(agent, sub)
		},
	}
}

// Publish delivers the event to the addressed agent's subscribers, or buffers
// it when none exist yet. Duplicate event IDs within the dedupe window are
// silently dropped.
func (h *Hub) Publish(event Event) {
	if event.EventID != "" && h.isDuplicate(event.EventID) {
		return
	}
	agent := normalizeAgent(event.AgentID)
	if agent == "" {
		return
	}
	h.mu.RLock()
	subs := h.snapshotSubscribers(agent)
	h.mu.RUnlock()
	if len(subs) == 0 {
		h.bufferEvent(agent, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (h *Hub) snapshotSubscribers(agent string) []*subscriber {
	live := h.subscribers[agent]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (h *Hub) removeSubscriber(agent string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[agent]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, agent)
		}
	}
	sub.close()
}

func (h *Hub) bufferEvent(agent string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	queue := h.backlog[agent]
	if len(queue) >= h.backlogLimit {
		queue = queue[1:]
		h.logger.Warn("notification backlog full, dropping oldest",
			zap.String("agent_id", agent),
			zap.Int("limit", h.backlogLimit))
	}
	queue = append(queue, event)
	h.backlog[agent] = queue
}

func (h *Hub) isDuplicate(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recentIDs[eventID]; ok {
		return true
	}
	h.recentIDs[eventID] = struct{}{}
	h.recentOrder = append(h.recentOrder, eventID)
	if len(h.recentOrder) > h.dedupeWindow {
		oldest := h.recentOrder[0]
		h.recentOrder = h.recentOrder[1:]
		delete(h.recentIDs, oldest)
	}
	return false
}

func normalizeAgent(agentID string) string {
	return strings.TrimSpace(agentID)
}

type subscriber struct {
	ch      chan Event
	logger  *zap.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow the lower-priority of (oldest, incoming)
// is dropped, so a critical-task signal survives a flood of routine ones.
func (s *subscriber) deliver(event Event) {
	if s.isClosed() {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
		oldest := <-s.ch
		if oldest.Priority.Rank() < event.Priority.Rank() {
			s.logDrop(oldest)
			s.ch <- event
		} else {
			s.ch <- oldest
			s.logDrop(event)
		}
	}
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Warn("notification dropped on overflow",
		zap.String("task_id", event.TaskID),
		zap.String("agent_id", event.AgentID),
		zap.String("priority", string(event.Priority)))
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
}

func (s *subscriber) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
