package engine

import (
	"container/heap"

	"github.com/kingrea/The-Foreman/internal/task"
)

// queueItem is one queued task plus the bookkeeping the heap needs. seq
// preserves arrival order among equal priorities.
type queueItem struct {
	meta  task.Metadata
	seq   uint64
	index int
}

// taskHeap orders by priority rank descending, then arrival order ascending.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].meta.Priority.Rank(), h[j].meta.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue wraps the heap with lookup by task id so watcher deletions and
// successful claims can remove arbitrary entries. Not safe for concurrent
// use; the engine serializes access.
type taskQueue struct {
	heap taskHeap
	byID map[string]*queueItem
	seq  uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: map[string]*queueItem{}}
}

// upsert enqueues meta, or refreshes the metadata of an already-queued task
// id (a re-written intake file) without losing its arrival position.
func (q *taskQueue) upsert(meta task.Metadata) {
	if existing, ok := q.byID[meta.TaskID]; ok {
		existing.meta = meta
		heap.Fix(&q.heap, existing.index)
		return
	}
	q.seq++
	item := &queueItem{meta: meta, seq: q.seq}
	q.byID[meta.TaskID] = item
	heap.Push(&q.heap, item)
}

// remove drops the task id from the queue; removing an absent id is a no-op
// and reports false.
func (q *taskQueue) remove(taskID string) bool {
	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	delete(q.byID, taskID)
	heap.Remove(&q.heap, item.index)
	return true
}

func (q *taskQueue) len() int { return len(q.heap) }

// snapshot returns the queue contents in priority order without mutating the
// queue.
func (q *taskQueue) snapshot() []task.Metadata {
	clone := make(taskHeap, len(q.heap))
	for i, item := range q.heap {
		copied := *item
		clone[i] = &copied
		clone[i].index = i
	}
	out := make([]task.Metadata, 0, len(clone))
	for clone.Len() > 0 {
		out = append(out, heap.Pop(&clone).(*queueItem).meta)
	}
	return out
}
