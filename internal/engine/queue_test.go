package engine

import (
	"testing"

	"github.com/kingrea/The-Foreman/internal/task"
)

func TestQueueOrdersByPriorityThenArrival(t *testing.T) {
	q := newTaskQueue()
	for _, spec := range []struct {
		id       string
		priority task.Priority
	}{
		{"low-1", task.PriorityLow},
		{"med-1", task.PriorityMedium},
		{"crit-1", task.PriorityCritical},
		{"med-2", task.PriorityMedium},
		{"high-1", task.PriorityHigh},
		{"crit-2", task.PriorityCritical},
	} {
		q.upsert(task.Metadata{TaskID: spec.id, Priority: spec.priority})
	}

	want := []string{"crit-1", "crit-2", "high-1", "med-1", "med-2", "low-1"}
	got := q.snapshot()
	if len(got) != len(want) {
		t.Fatalf("snapshot = %d items, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].TaskID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, got[i].TaskID, id)
		}
	}
	// Snapshot does not drain the queue.
	if q.len() != len(want) {
		t.Fatalf("queue drained by snapshot: len = %d", q.len())
	}
}

func TestQueueUpsertKeepsArrivalPosition(t *testing.T) {
	q := newTaskQueue()
	q.upsert(task.Metadata{TaskID: "a", Priority: task.PriorityMedium})
	q.upsert(task.Metadata{TaskID: "b", Priority: task.PriorityMedium})
	// Re-writing a's file refreshes metadata but not its place in line.
	q.upsert(task.Metadata{TaskID: "a", Priority: task.PriorityMedium, TaskType: "build"})

	got := q.snapshot()
	if got[0].TaskID != "a" || got[0].TaskType != "build" {
		t.Fatalf("snapshot[0] = %+v, want refreshed a first", got[0])
	}
}

func TestQueueUpsertReordersOnPriorityChange(t *testing.T) {
	q := newTaskQueue()
	q.upsert(task.Metadata{TaskID: "a", Priority: task.PriorityLow})
	q.upsert(task.Metadata{TaskID: "b", Priority: task.PriorityMedium})
	q.upsert(task.Metadata{TaskID: "a", Priority: task.PriorityCritical})

	if got := q.snapshot(); got[0].TaskID != "a" {
		t.Fatalf("snapshot[0] = %s, want escalated a", got[0].TaskID)
	}
}

func TestQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.upsert(task.Metadata{TaskID: "a", Priority: task.PriorityHigh})
	if !q.remove("a") {
		t.Fatal("remove known id = false")
	}
	if q.remove("a") {
		t.Fatal("second remove = true")
	}
	if q.len() != 0 {
		t.Fatalf("len = %d after remove", q.len())
	}
}
