package notify

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/task"
)

func drain(sub Subscription) []Event {
	var events []Event
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := h.Subscribe("agent-a")
	defer sub.Close()

	h.Publish(Event{EventID: "e1", AgentID: "agent-a", TaskID: "task-1", Priority: task.PriorityCritical})

	events := drain(sub)
	if len(events) != 1 || events[0].TaskID != "task-1" {
		t.Fatalf("events = %v", events)
	}
}

func TestBacklogReplayedOnSubscribe(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Publish(Event{EventID: "e1", AgentID: "agent-a", TaskID: "task-1"})
	h.Publish(Event{EventID: "e2", AgentID: "agent-a", TaskID: "task-2"})

	sub := h.Subscribe("agent-a")
	defer sub.Close()
	events := drain(sub)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 replayed from backlog", len(events))
	}
	if events[0].TaskID != "task-1" || events[1].TaskID != "task-2" {
		t.Fatalf("backlog order wrong: %v", events)
	}
}

func TestBacklogIsBounded(t *testing.T) {
	h := NewHub(zap.NewNop(), WithBacklogLimit(2))
	for _, id := range []string{"t1", "t2", "t3"} {
		h.Publish(Event{EventID: id, AgentID: "agent-a", TaskID: id})
	}
	sub := h.Subscribe("agent-a")
	defer sub.Close()
	events := drain(sub)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (oldest dropped)", len(events))
	}
	if events[0].TaskID != "t2" {
		t.Fatalf("oldest survivor = %s, want t2", events[0].TaskID)
	}
}

func TestDuplicateEventIDsDropped(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := h.Subscribe("agent-a")
	defer sub.Close()
	h.Publish(Event{EventID: "same", AgentID: "agent-a", TaskID: "task-1"})
	h.Publish(Event{EventID: "same", AgentID: "agent-a", TaskID: "task-1"})

	if events := drain(sub); len(events) != 1 {
		t.Fatalf("events = %d, want 1 after dedupe", len(events))
	}
}

func TestOverflowKeepsCriticalSignal(t *testing.T) {
	h := NewHub(zap.NewNop(), WithSubscriberCapacity(1))
	sub := h.Subscribe("agent-a")
	defer sub.Close()

	h.Publish(Event{EventID: "e1", AgentID: "agent-a", TaskID: "routine", Priority: task.PriorityLow})
	h.Publish(Event{EventID: "e2", AgentID: "agent-a", TaskID: "urgent", Priority: task.PriorityCritical})

	events := drain(sub)
	if len(events) != 1 || events[0].TaskID != "urgent" {
		t.Fatalf("events = %v, want the critical signal to survive", events)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	h := NewHub(zap.NewNop())
	sub := h.Subscribe("agent-a")
	sub.Close()
	// Publishing after close must not panic; with no live subscriber the
	// event lands in the backlog instead.
	h.Publish(Event{EventID: "e1", AgentID: "agent-a", TaskID: "task-1"})

	replay := h.Subscribe("agent-a")
	defer replay.Close()
	if events := drain(replay); len(events) != 1 {
		t.Fatalf("events = %d, want 1 buffered after close", len(events))
	}
}
