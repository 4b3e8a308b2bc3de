package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/goja-platform/internal/goroutineid"
	"github.com/joeycumines/logiface"
)

// LoopState represents the lifecycle state of a Loop.
//
//	StateAwake → StateRunning        [Run]
//	StateAwake → StateTerminated     [Shutdown/Close before Run]
//	StateRunning → StateTerminating  [Shutdown/Close/ctx cancellation]
//	StateTerminating → StateTerminated [drain complete]
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop goroutine is dispatching work.
	StateRunning
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has stopped, and accepts no more work.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Loop is a cooperative, single-goroutine event loop. Work submitted to it
// never runs concurrently with other work on the same loop.
//
// Ready work dispatches by [Priority], FIFO within a priority. Delayed work
// becomes ready on the first loop turn at or after its deadline, so delays
// are a lower bound only.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger   *logiface.Logger[logiface.Event]
	loopDone chan struct{}
	wake     chan struct{}

	mu     sync.Mutex
	ready  readyQueue
	timers timerHeap
	seq    uint64

	state       atomic.Uint64
	goroutineID atomic.Uint64
	// discard is set by Close, to drop queued work rather than drain it
	discard atomic.Bool

	id uint64
}

var loopIDCounter atomic.Uint64

// NewLoop creates a Loop, which must be started with [Loop.Run].
func NewLoop(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		logger:   cfg.logger,
		loopDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		id:       loopIDCounter.Add(1),
	}, nil
}

// ID returns a process-unique identifier for the loop.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current loop state.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

// IsCurrentThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsCurrentThread() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == goroutineid.Current()
}

// Run dispatches work on the calling goroutine until the loop terminates,
// via Shutdown, Close, or ctx cancellation (which drains like Shutdown).
func (l *Loop) Run(ctx context.Context) error {
	if l.IsCurrentThread() {
		return ErrReentrantRun
	}
	if !l.state.CompareAndSwap(uint64(StateAwake), uint64(StateRunning)) {
		if l.State() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)

	l.goroutineID.Store(goroutineid.Current())
	defer l.goroutineID.Store(0)

	l.logger.Debug().Uint64(`loop`, l.id).Log(`loop started`)
	defer l.logger.Debug().Uint64(`loop`, l.id).Log(`loop stopped`)

	for {
		if ctx.Err() != nil {
			l.requestTermination()
		}

		if l.State() == StateTerminating && l.discard.Load() {
			l.finish()
			return ctx.Err()
		}

		if l.dispatchOne() {
			continue
		}

		if l.State() == StateTerminating {
			if l.finish() {
				return ctx.Err()
			}
			continue
		}

		var timerC <-chan time.Time
		if d, ok := l.nextTimerDelay(); ok {
			if d <= 0 {
				continue
			}
			tm := time.NewTimer(d)
			timerC = tm.C
			l.wait(ctx, timerC)
			tm.Stop()
		} else {
			l.wait(ctx, nil)
		}
	}
}

func (l *Loop) wait(ctx context.Context, timerC <-chan time.Time) {
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-timerC:
	}
}

// Shutdown stops accepting work once all queued, ready work has run, and
// blocks until the loop has terminated or ctx is done. Timers that have not
// yet expired are discarded. Called from the loop goroutine, it only
// requests termination.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.requestTermination()
	if l.IsCurrentThread() {
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without running queued work, blocking until it
// has stopped (unless called from the loop goroutine).
func (l *Loop) Close() error {
	l.discard.Store(true)
	l.requestTermination()
	if !l.IsCurrentThread() {
		<-l.loopDone
	}
	return nil
}

func (l *Loop) requestTermination() {
	for {
		switch s := l.State(); s {
		case StateTerminating, StateTerminated:
			return
		case StateAwake:
			if l.state.CompareAndSwap(uint64(s), uint64(StateTerminated)) {
				l.discardAll()
				close(l.loopDone)
				return
			}
		default:
			if l.state.CompareAndSwap(uint64(s), uint64(StateTerminating)) {
				l.signal()
				return
			}
		}
	}
}

// finish completes termination if nothing is ready, returning false if work
// arrived in the meantime (and must be drained first).
func (l *Loop) finish() bool {
	l.mu.Lock()
	if len(l.ready) != 0 && !l.discard.Load() {
		l.mu.Unlock()
		return false
	}
	l.state.Store(uint64(StateTerminated))
	l.mu.Unlock()
	l.discardAll()
	return true
}

func (l *Loop) discardAll() {
	l.mu.Lock()
	ready, timers := l.ready, l.timers
	l.ready, l.timers = nil, nil
	for _, t := range ready {
		t.index = -1
	}
	for _, t := range timers {
		t.index = -1
	}
	l.mu.Unlock()
	for _, t := range ready {
		t.state.CompareAndSwap(taskQueued, taskCancelled)
	}
	for _, t := range timers {
		t.state.CompareAndSwap(taskQueued, taskCancelled)
	}
	// whoever is waiting on this work will never be notified
	if len(ready) != 0 || len(timers) != 0 {
		l.logger.Warning().
			Uint64(`loop`, l.id).
			Int(`ready`, len(ready)).
			Int(`timers`, len(timers)).
			Log(`loop discarded queued work`)
	}
}

// RunOnForeground queues fn to run on the loop at the given priority.
func (l *Loop) RunOnForeground(priority Priority, fn func()) (Source, error) {
	return l.enqueue(0, priority, fn)
}

// RunOnForegroundAfter queues fn to run on the loop, no earlier than delay
// from now, at the given priority.
func (l *Loop) RunOnForegroundAfter(delay time.Duration, priority Priority, fn func()) (Source, error) {
	if delay < 0 {
		delay = 0
	}
	return l.enqueue(delay, priority, fn)
}

// Submit queues fn at PriorityDefault.
func (l *Loop) Submit(fn func()) error {
	_, err := l.RunOnForeground(PriorityDefault, fn)
	return err
}

// Pending returns the number of queued (ready or delayed) work items.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready) + len(l.timers)
}

func (l *Loop) enqueue(delay time.Duration, priority Priority, fn func()) (Source, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}

	t := &task{
		fn:       fn,
		loop:     l,
		priority: priority,
		index:    -1,
	}

	l.mu.Lock()
	if l.State() == StateTerminated {
		l.mu.Unlock()
		return nil, ErrLoopTerminated
	}
	l.seq++
	t.seq = l.seq
	if delay > 0 {
		t.when = time.Now().Add(delay)
		t.delayed = true
		heap.Push(&l.timers, t)
	} else {
		heap.Push(&l.ready, t)
	}
	l.mu.Unlock()

	l.signal()

	return t, nil
}

// remove withdraws a cancelled task from whichever heap holds it.
func (l *Loop) remove(t *task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return
	}
	if t.delayed {
		if t.index < len(l.timers) && l.timers[t.index] == t {
			heap.Remove(&l.timers, t.index)
		}
	} else if t.index < len(l.ready) && l.ready[t.index] == t {
		heap.Remove(&l.ready, t.index)
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dispatchOne runs the most urgent ready task, returning false if none was ready.
func (l *Loop) dispatchOne() bool {
	l.mu.Lock()
	now := time.Now()
	for len(l.timers) != 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*task)
		t.delayed = false
		l.seq++
		t.seq = l.seq
		heap.Push(&l.ready, t)
	}
	if len(l.ready) == 0 {
		l.mu.Unlock()
		return false
	}
	t := heap.Pop(&l.ready).(*task)
	l.mu.Unlock()

	if t.claim() {
		l.safeExecute(t.fn)
	}
	return true
}

func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

// safeExecute executes fn with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Uint64(`loop`, l.id).
				Any(`panic`, r).
				Log(`loop task panicked`)
		}
	}()
	fn()
}
