package gojaplatform

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// TaskPriority is the engine's priority hint for job tasks. The pool runs
// work in submission order, so it is informational only.
type TaskPriority int

const (
	TaskPriorityBestEffort TaskPriority = iota
	TaskPriorityUserVisible
	TaskPriorityUserBlocking
)

// String returns a human-readable representation of the priority.
func (x TaskPriority) String() string {
	switch x {
	case TaskPriorityBestEffort:
		return "BestEffort"
	case TaskPriorityUserVisible:
		return "UserVisible"
	case TaskPriorityUserBlocking:
		return "UserBlocking"
	default:
		return "Unknown"
	}
}

// JobTask is a splittable unit of parallel work.
type JobTask interface {
	// Run does some of the work, returning periodically (or when
	// delegate.ShouldYield reports true) so that concurrency can be
	// re-evaluated.
	Run(delegate JobDelegate)
	// MaxConcurrency returns how many workers could usefully run the task,
	// given workerCount are already running it. It is called with the
	// job's internal lock held, and must not call back into the JobHandle.
	MaxConcurrency(workerCount int) int
}

// JobDelegate is the interface of a job to its running JobTask.
type JobDelegate interface {
	// ShouldYield reports whether the task should return as soon as
	// possible, because the job was cancelled or the platform disposed.
	ShouldYield() bool
	// NotifyConcurrencyIncrease is as per JobHandle.
	NotifyConcurrencyIncrease()
	// TaskID is unique among the concurrently running invocations of the
	// task, and is less than the maximum concurrency.
	TaskID() uint8
	// IsJoiningThread reports whether the task is being run by JobHandle.Join.
	IsJoiningThread() bool
}

// maxJobConcurrency bounds the number of task IDs.
const maxJobConcurrency = 64

// JobHandle controls a job started by Platform.PostJob. Workers are
// ordinary pool operations, at most NumberOfWorkerThreads of which run the
// task at once.
type JobHandle struct {
	p        *Platform
	task     JobTask
	pending  map[*jobSlot]struct{}
	cond     sync.Cond
	mu       sync.Mutex
	active   int
	assigned uint64
	priority TaskPriority
	canceled atomic.Bool
	joining  bool
	invalid  bool
}

// jobSlot is a worker operation, scheduled but not yet started.
type jobSlot struct {
	op *ThreadPoolOperation
}

type jobDelegate struct {
	h       *JobHandle
	id      uint8
	joining bool
}

// PostJob starts a job, scheduling as many workers as the task can use.
func (p *Platform) PostJob(priority TaskPriority, task JobTask) *JobHandle {
	h := &JobHandle{
		p:        p,
		task:     task,
		pending:  make(map[*jobSlot]struct{}),
		priority: priority,
	}
	h.cond.L = &h.mu
	p.logger.Debug().Str(`priority`, priority.String()).Log(`job posted`)
	h.NotifyConcurrencyIncrease()
	return h
}

// Priority returns the priority the job was posted at.
func (h *JobHandle) Priority() TaskPriority { return h.priority }

// NotifyConcurrencyIncrease schedules further workers, if the task reports
// that more could usefully run.
func (h *JobHandle) NotifyConcurrencyIncrease() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduleLocked()
	h.cond.Broadcast()
}

// MaxConcurrency returns how many workers could usefully run the task now.
func (h *JobHandle) MaxConcurrency() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cappedMaxLocked(h.active)
}

// IsActive reports whether the task is running, or has work remaining.
func (h *JobHandle) IsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != 0 {
		return true
	}
	return !h.stopping() && h.task.MaxConcurrency(0) > 0
}

// IsValid reports whether the handle may still be joined or cancelled.
func (h *JobHandle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.invalid
}

// Join contributes the calling goroutine as a worker, until the task
// reports no more work, then waits for every other worker to return.
// The handle is invalid afterwards.
func (h *JobHandle) Join() {
	h.mu.Lock()
	if h.invalid {
		h.mu.Unlock()
		return
	}
	h.joining = true
	var (
		id     uint8
		joined bool
	)
	for !h.stopping() {
		if h.active < h.cappedMaxLocked(h.active) {
			h.active++
			id = h.acquireTaskIDLocked()
			joined = true
			break
		}
		if h.active == 0 {
			break
		}
		h.cond.Wait()
	}
	h.mu.Unlock()

	if joined {
		d := &jobDelegate{h: h, id: id, joining: true}
		for {
			h.runTask(d)
			if !h.didRunTask(id) {
				break
			}
		}
	}

	h.mu.Lock()
	for h.active != 0 {
		h.cond.Wait()
	}
	h.canceled.Store(true)
	h.joining = false
	h.invalid = true
	slots := h.takePendingLocked()
	h.mu.Unlock()
	cancelSlots(slots)
}

// Cancel stops scheduling workers, cancels those not yet started, and waits
// for running ones to return. The handle is invalid afterwards.
func (h *JobHandle) Cancel() {
	h.mu.Lock()
	h.canceled.Store(true)
	slots := h.takePendingLocked()
	h.mu.Unlock()
	cancelSlots(slots)

	h.mu.Lock()
	for h.active != 0 {
		h.cond.Wait()
	}
	h.invalid = true
	h.mu.Unlock()
}

// CancelAndDetach is Cancel, without waiting for running workers.
func (h *JobHandle) CancelAndDetach() {
	h.mu.Lock()
	h.canceled.Store(true)
	h.invalid = true
	slots := h.takePendingLocked()
	h.mu.Unlock()
	cancelSlots(slots)
}

func (h *JobHandle) stopping() bool {
	return h.canceled.Load() || h.p.Disposed()
}

func (h *JobHandle) cappedMaxLocked(workers int) int {
	n := h.task.MaxConcurrency(workers)
	limit := h.p.NumberOfWorkerThreads()
	if h.joining {
		limit++
	}
	limit = min(limit, maxJobConcurrency)
	return max(min(n, limit), 0)
}

func (h *JobHandle) scheduleLocked() {
	if h.stopping() {
		return
	}
	for s := range h.pending {
		if s.op.State() == OperationCancelled {
			delete(h.pending, s)
		}
	}
	for need := h.cappedMaxLocked(h.active) - h.active - len(h.pending); need > 0; need-- {
		s := new(jobSlot)
		// the worker blocks on h.mu, so s.op is always set before use
		s.op = h.p.ScheduleOnWorkerThread(func() { h.runWorker(s) })
		if s.op.State() == OperationCancelled {
			return
		}
		h.pending[s] = struct{}{}
	}
}

func (h *JobHandle) takePendingLocked() []*jobSlot {
	slots := make([]*jobSlot, 0, len(h.pending))
	for s := range h.pending {
		slots = append(slots, s)
	}
	clear(h.pending)
	return slots
}

func cancelSlots(slots []*jobSlot) {
	for _, s := range slots {
		s.op.Cancel()
	}
}

func (h *JobHandle) acquireTaskIDLocked() uint8 {
	id := uint8(bits.TrailingZeros64(^h.assigned))
	h.assigned |= 1 << id
	return id
}

func (h *JobHandle) releaseTaskIDLocked(id uint8) {
	h.assigned &^= 1 << id
}

func (h *JobHandle) runWorker(s *jobSlot) {
	h.mu.Lock()
	delete(h.pending, s)
	if h.stopping() || h.active >= h.cappedMaxLocked(h.active) {
		h.cond.Broadcast()
		h.mu.Unlock()
		return
	}
	h.active++
	id := h.acquireTaskIDLocked()
	h.mu.Unlock()

	h.p.metrics.jobWorkers.Inc()
	d := &jobDelegate{h: h, id: id}
	for {
		h.runTask(d)
		if !h.didRunTask(id) {
			return
		}
	}
}

func (h *JobHandle) runTask(d *jobDelegate) {
	h.p.safeExecute(`job`, uint64(d.id), func() { h.task.Run(d) })
}

// didRunTask decides whether the worker that just ran the task (holding id)
// should run it again, releasing its slot if not.
func (h *JobHandle) didRunTask(id uint8) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping() || h.active > h.cappedMaxLocked(h.active-1) {
		h.active--
		h.releaseTaskIDLocked(id)
		h.cond.Broadcast()
		return false
	}
	h.scheduleLocked()
	return true
}

func (x *jobDelegate) ShouldYield() bool { return x.h.stopping() }

func (x *jobDelegate) NotifyConcurrencyIncrease() { x.h.NotifyConcurrencyIncrease() }

func (x *jobDelegate) TaskID() uint8 { return x.id }

func (x *jobDelegate) IsJoiningThread() bool { return x.joining }
