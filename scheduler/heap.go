package scheduler

import (
	"container/heap"
	"time"
)

// Task is a unit of work submitted to the Scheduler, either immediately
// (Execute) or at a future time (Schedule).
type Task func()

// scheduledItem is one entry in the delay set. period is 0 for a one-shot
// task, positive for fixed-rate (nextAt = at + period), negative for
// fixed-delay (nextAt = now - period, i.e. now + |period| after the task
// finishes), per spec.md §4.1.
type scheduledItem struct {
	at       time.Time
	seq      uint64 // FIFO tie-break for equal deadlines
	period   time.Duration
	task     Task
	index    int // maintained by delayHeap; -1 when not in the heap
	canceled bool
}

// delayHeap is a min-heap of *scheduledItem ordered by (at, seq), giving
// O(log n) insertion and, critically, O(log n) removal of an arbitrary
// element via heap.Fix/heap.Remove using the tracked index -- this is what
// makes Cancellation.Cancel immediate rather than a tombstone-at-the-head
// scheme (spec.md §8 property 8, §9).
type delayHeap []*scheduledItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// removeItem removes item from h in O(log n), wherever it currently sits.
// Safe to call on an item no longer present (index < 0): a no-op.
func removeItem(h *delayHeap, item *scheduledItem) {
	if item.index < 0 || item.index >= len(*h) {
		return
	}
	heap.Remove(h, item.index)
}
