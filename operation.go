package gojaplatform

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/goja-platform/internal/goroutineid"
	"github.com/joeycumines/goja-platform/scheduler"
)

// OperationState is the lifecycle state of an [Operation].
//
//	OperationPending → OperationRunning → OperationCompleted
//	OperationPending → OperationCancelled
type OperationState int32

const (
	OperationPending OperationState = iota
	OperationRunning
	OperationCompleted
	OperationCancelled
)

// String returns a human-readable representation of the state.
func (s OperationState) String() string {
	switch s {
	case OperationPending:
		return "Pending"
	case OperationRunning:
		return "Running"
	case OperationCompleted:
		return "Completed"
	case OperationCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s OperationState) Terminal() bool {
	return s == OperationCompleted || s == OperationCancelled
}

// Operation is a cancellable, awaitable handle to one unit of scheduled
// work. Its payload runs at most once. The implementations are
// [*MainContextOperation], [*ThreadPoolOperation] and
// [*DelayedThreadPoolOperation].
//
// Cancellation only prevents future execution: a payload that has started
// always runs to completion.
type Operation interface {
	// ID is unique within the owning Platform.
	ID() uint64
	State() OperationState
	// Cancel prevents the payload from running, if it has not started.
	// It is a no-op otherwise.
	Cancel()
	// Await blocks until the operation is terminal. See AwaitContext.
	Await()
	// AwaitContext blocks until the operation is terminal, or ctx is done.
	//
	// Awaiting from the foreground goroutine does not deadlock: a pending
	// foreground operation is run inline (once any delay has elapsed), and
	// a delayed pool operation still waiting on its timer is handed to the
	// pool directly. Awaiting from the operation's own payload returns
	// ErrAwaitReentrant. The isolate lock, if held by the caller, is
	// released while blocked.
	AwaitContext(ctx context.Context) error
	// Done is closed once the operation is terminal.
	Done() <-chan struct{}

	core() *opCore
}

var (
	_ Operation = (*MainContextOperation)(nil)
	_ Operation = (*ThreadPoolOperation)(nil)
	_ Operation = (*DelayedThreadPoolOperation)(nil)
)

// opCore implements the lifecycle shared by every Operation.
type opCore struct {
	platform *Platform
	registry *registry
	work     func()
	done     chan struct{}
	// sources are the scheduler registrations that may still dispatch
	// this operation, guarded by platform.mu
	sources []scheduler.Source
	kind    string
	id      uint64
	// runner is the goroutine executing the payload, guarded by platform.mu
	runner uint64
	// state is written only under platform.mu
	state atomic.Int32
}

func (x *opCore) core() *opCore { return x }

func (x *opCore) ID() uint64 { return x.id }

func (x *opCore) State() OperationState { return OperationState(x.state.Load()) }

func (x *opCore) Done() <-chan struct{} { return x.done }

func (x *opCore) Cancel() {
	p := x.platform
	p.mu.Lock()
	sources, ok := x.cancelLocked()
	p.mu.Unlock()
	if ok {
		x.cancelled(sources)
	}
}

// cancelLocked transitions a pending operation to cancelled, removing it
// from its registry. The caller must call cancelled after unlocking.
func (x *opCore) cancelLocked() ([]scheduler.Source, bool) {
	if x.State() != OperationPending {
		return nil, false
	}
	x.state.Store(int32(OperationCancelled))
	x.registry.remove(x.id)
	sources := x.sources
	x.sources = nil
	return sources, true
}

func (x *opCore) cancelled(sources []scheduler.Source) {
	x.platform.metrics.cancelled.WithLabelValues(x.kind).Inc()
	close(x.done)
	for _, s := range sources {
		s.Cancel()
	}
}

func (x *opCore) begin() bool {
	gid := goroutineid.Current()
	p := x.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	if x.State() != OperationPending {
		return false
	}
	x.state.Store(int32(OperationRunning))
	x.runner = gid
	return true
}

func (x *opCore) finish() {
	p := x.platform
	p.mu.Lock()
	x.state.Store(int32(OperationCompleted))
	x.runner = 0
	x.sources = nil
	x.registry.remove(x.id)
	p.mu.Unlock()
	p.metrics.completed.WithLabelValues(x.kind).Inc()
	close(x.done)
}

// run is the dispatch entry point, executing the payload unless the
// operation is no longer pending.
func (x *opCore) run() {
	if !x.begin() {
		return
	}
	defer x.finish()
	p := x.platform
	if p.tracing.CategoryEnabled(TraceCategory) {
		handle := p.tracing.AddTraceEvent(TracePhaseComplete, TraceCategory, x.kind, x.id, nil)
		defer p.tracing.UpdateTraceEventDuration(TraceCategory, x.kind, handle)
	}
	p.safeExecute(x.kind, x.id, x.work)
}

func (x *opCore) runningOn(gid uint64) bool {
	p := x.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	return x.State() == OperationRunning && x.runner == gid
}

// await implements AwaitContext, calling onForeground (if non-nil) first
// when the caller is the foreground goroutine.
func (x *opCore) await(ctx context.Context, onForeground func(ctx context.Context) error) error {
	select {
	case <-x.done:
		return nil
	default:
	}

	gid := goroutineid.Current()
	if x.runningOn(gid) {
		return ErrAwaitReentrant
	}

	if onForeground != nil && x.platform.scheduler.IsForegroundThread() {
		if err := onForeground(ctx); err != nil {
			return err
		}
		select {
		case <-x.done:
			return nil
		default:
		}
	}

	u := newUnlockerAs(x.platform, gid)
	defer u.Relock()

	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepUntil blocks until deadline, done is closed, or ctx is done, only
// returning an error in the last case.
func sleepUntil(ctx context.Context, deadline time.Time, done <-chan struct{}) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MainContextOperation runs its payload once on the foreground loop.
type MainContextOperation struct {
	// deadline is the earliest time the payload may run, zero if undelayed
	deadline time.Time
	opCore
	priority scheduler.Priority
}

// Priority returns the foreground priority the operation was scheduled at.
func (x *MainContextOperation) Priority() scheduler.Priority { return x.priority }

// Deadline returns the earliest time the payload may run, or the zero time
// if the operation was not delayed.
func (x *MainContextOperation) Deadline() time.Time { return x.deadline }

func (x *MainContextOperation) Await() { _ = x.AwaitContext(context.Background()) }

func (x *MainContextOperation) AwaitContext(ctx context.Context) error {
	return x.await(ctx, x.runInline)
}

func (x *MainContextOperation) runInline(ctx context.Context) error {
	if x.State() != OperationPending {
		return nil
	}
	if err := sleepUntil(ctx, x.deadline, x.done); err != nil {
		return err
	}
	x.run()
	return nil
}

// ThreadPoolOperation runs its payload once on a worker.
type ThreadPoolOperation struct {
	opCore
}

func (x *ThreadPoolOperation) Await() { _ = x.AwaitContext(context.Background()) }

func (x *ThreadPoolOperation) AwaitContext(ctx context.Context) error {
	return x.await(ctx, nil)
}

// DelayedThreadPoolOperation runs its payload once on a worker, after a
// timer on the foreground loop has expired. The payload never runs on the
// foreground loop.
type DelayedThreadPoolOperation struct {
	deadline time.Time
	opCore
	delay time.Duration
	// submitted is set once the timer phase is over, guarded by platform.mu
	submitted bool
}

// Delay returns the requested delay.
func (x *DelayedThreadPoolOperation) Delay() time.Duration { return x.delay }

// Deadline returns the earliest time the payload may run.
func (x *DelayedThreadPoolOperation) Deadline() time.Time { return x.deadline }

func (x *DelayedThreadPoolOperation) Await() { _ = x.AwaitContext(context.Background()) }

func (x *DelayedThreadPoolOperation) AwaitContext(ctx context.Context) error {
	return x.await(ctx, x.submitFromForeground)
}

// submit is the timer callback, handing the operation to the pool.
func (x *DelayedThreadPoolOperation) submit() {
	p := x.platform
	p.mu.Lock()
	if x.State() != OperationPending || x.submitted {
		p.mu.Unlock()
		return
	}
	x.submitted = true
	p.mu.Unlock()
	x.dispatch()
}

func (x *DelayedThreadPoolOperation) dispatch() {
	src, err := x.platform.scheduler.RunOnWorker(x.run)
	x.platform.attach(&x.opCore, src, err)
}

// submitFromForeground replaces the timer, which cannot fire while the
// foreground goroutine is blocked, with a sleep on the caller.
func (x *DelayedThreadPoolOperation) submitFromForeground(ctx context.Context) error {
	p := x.platform
	p.mu.Lock()
	if x.State() != OperationPending || x.submitted {
		p.mu.Unlock()
		return nil
	}
	x.submitted = true
	timers := x.sources
	x.sources = nil
	p.mu.Unlock()

	for _, s := range timers {
		s.Cancel()
	}

	if err := sleepUntil(ctx, x.deadline, x.done); err != nil {
		// re-arm, so the operation still dispatches
		src, serr := p.scheduler.RunOnForegroundAfter(time.Until(x.deadline), p.priority, x.dispatch)
		p.attach(&x.opCore, src, serr)
		return err
	}
	if x.State() != OperationPending {
		return nil
	}
	x.dispatch()
	return nil
}
