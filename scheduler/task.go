package scheduler

import (
	"sync/atomic"
	"time"
)

// Priority orders work queued on a [Loop]. Lower values dispatch first,
// and work of equal priority dispatches in submission order.
type Priority int

const (
	// PriorityHigh is for work that should preempt ordinary callbacks.
	PriorityHigh Priority = -100
	// PriorityDefault is the priority used when none is specified.
	PriorityDefault Priority = 0
	// PriorityLow is for background work.
	PriorityLow Priority = 300
)

// Source is a handle to queued work, allowing it to be withdrawn.
type Source interface {
	// Cancel prevents the work from being dispatched, returning true if it
	// was still queued. It is safe to call at any time, any number of times.
	Cancel() bool
}

const (
	taskQueued int32 = iota
	taskDispatched
	taskCancelled
)

// task is the concrete Source used by both Loop and Pool.
type task struct {
	when  time.Time
	fn    func()
	loop  *Loop
	timer *time.Timer // pool delays only
	seq   uint64
	// index within whichever heap currently holds the task, -1 if none,
	// guarded by the owning loop's mutex (as is delayed)
	index    int
	priority Priority
	state    atomic.Int32
	delayed  bool
}

var _ Source = (*task)(nil)

// Cancel implements Source.
func (x *task) Cancel() bool {
	if !x.state.CompareAndSwap(taskQueued, taskCancelled) {
		return false
	}
	if x.timer != nil {
		x.timer.Stop()
	}
	if x.loop != nil {
		x.loop.remove(x)
	}
	return true
}

// claim marks the task as dispatched, returning false if it was cancelled.
func (x *task) claim() bool {
	return x.state.CompareAndSwap(taskQueued, taskDispatched)
}

// readyQueue is a min-heap of runnable tasks, by priority then sequence.
type readyQueue []*task

func (h readyQueue) Len() int { return len(h) }

func (h readyQueue) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyQueue) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *readyQueue) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerHeap is a min-heap of delayed tasks, by deadline then sequence.
type timerHeap []*task

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
