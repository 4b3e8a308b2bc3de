package gojaplatform

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/goja-platform/internal/goroutineid"
	"github.com/joeycumines/goja-platform/scheduler"
	"github.com/joeycumines/logiface"
)

// Scheduler is the host's concurrency, as consumed by the Platform: one
// cooperative foreground loop, which the isolate belongs to, plus a pool
// of workers. [*scheduler.Scheduler] implements it.
type Scheduler interface {
	// RunOnForeground queues fn on the foreground loop. Lower priorities
	// dispatch first.
	RunOnForeground(priority scheduler.Priority, fn func()) (scheduler.Source, error)
	// RunOnForegroundAfter queues fn on the foreground loop, no sooner
	// than delay from now.
	RunOnForegroundAfter(delay time.Duration, priority scheduler.Priority, fn func()) (scheduler.Source, error)
	// IsForegroundThread reports whether the caller is the foreground loop.
	IsForegroundThread() bool
	// RunOnWorker queues fn on the pool.
	RunOnWorker(fn func()) (scheduler.Source, error)
	// WorkerCount returns the size of the pool.
	WorkerCount() int
}

var _ Scheduler = (*scheduler.Scheduler)(nil)

// Platform bridges the engine to the host's Scheduler. It owns the isolate
// (a single goja.Runtime, guarded by the isolate lock, see Locker), the
// engine code bundles, and every operation scheduled through it, all of
// which are released by Dispose.
//
// The Scheduler is borrowed: the Platform should be disposed before the
// Scheduler is shut down, as shutdown discards unexpired timers, which
// would otherwise leave delayed operations pending.
type Platform struct {
	start           time.Time
	scheduler       Scheduler
	logger          *logiface.Logger[logiface.Event]
	metrics         *metrics
	bundleLoader    BundleLoader
	pageAllocator   PageAllocator
	bufferAllocator ArrayBufferAllocator
	threading       ThreadingBackend
	tracing         TracingController
	isolateLock     *recursiveMutex
	initErr         error

	// guarded by mu
	isolate       *goja.Runtime
	runtimeBundle *Bundle
	bundles       map[BundleName]*bundleEntry
	foregroundOps *registry
	poolOps       *registry
	runners       map[*goja.Runtime]*ForegroundTaskRunner

	initOnce sync.Once
	mu       sync.Mutex
	nextID   uint64
	priority scheduler.Priority
	disposed bool
}

// NewPlatform constructs a Platform over s, and initialises the runtime.
//
// The Platform.Dispose method should be called when the Platform is no
// longer needed.
func NewPlatform(s Scheduler, opts ...Option) (*Platform, error) {
	if s == nil {
		return nil, errors.New("gojaplatform: scheduler must not be nil")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		start:           time.Now(),
		scheduler:       s,
		logger:          cfg.logger,
		metrics:         m,
		bundleLoader:    cfg.bundleLoader,
		pageAllocator:   cfg.pageAllocator,
		bufferAllocator: cfg.bufferAllocator,
		threading:       defaultThreadingBackend{},
		tracing:         cfg.tracing,
		isolateLock:     newRecursiveMutex(),
		bundles:         make(map[BundleName]*bundleEntry),
		runners:         make(map[*goja.Runtime]*ForegroundTaskRunner),
		priority:        cfg.foregroundPriority,
	}
	p.foregroundOps = newRegistry(registryForeground, m)
	p.poolOps = newRegistry(registryPool, m)

	registerFatalHandler(p.logger)

	if err := p.InitRuntime(); err != nil {
		p.releaseAllocators()
		return nil, err
	}

	return p, nil
}

// InitRuntime creates the isolate, installs the host bindings, and builds
// the runtime bundle. NewPlatform calls it; later calls return the result
// of the first.
func (p *Platform) InitRuntime() error {
	p.initOnce.Do(func() { p.initErr = p.initRuntime() })
	return p.initErr
}

func (p *Platform) initRuntime() error {
	rt := goja.New()
	b := newBuiltins(p, rt)

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{logger: p.logger}))
	registry.RegisterNativeModule(platformModuleName, b.requirePlatform)
	for _, name := range bridgeBundles {
		registry.RegisterNativeModule(string(name), p.requireBundle(name))
	}

	l := NewLocker(p)
	registry.Enable(rt)
	console.Enable(rt)
	err := b.bind()
	l.Unlock()
	if err != nil {
		return fmt.Errorf("gojaplatform: bind builtins: %w", err)
	}

	p.mu.Lock()
	p.isolate = rt
	p.mu.Unlock()

	bundle, err := p.loadBundle(BundleRuntime)
	if err != nil {
		return fmt.Errorf("gojaplatform: runtime bundle: %w", err)
	}

	p.mu.Lock()
	p.runtimeBundle = bundle
	p.mu.Unlock()

	p.logger.Debug().
		Int(`workers`, p.NumberOfWorkerThreads()).
		Log(`platform runtime initialised`)

	return nil
}

// Isolate returns the shared runtime, or nil after Dispose. It must only be
// used with the isolate lock held.
func (p *Platform) Isolate() *goja.Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isolate
}

// Interrupt aborts whatever script is executing on the isolate, which then
// throws an *goja.InterruptedError wrapping v. Unlike Isolate, it is safe to
// call from any goroutine, without the isolate lock. It is a no-op after
// Dispose.
func (p *Platform) Interrupt(v any) {
	if rt := p.Isolate(); rt != nil {
		rt.Interrupt(v)
	}
}

// Scheduler returns the borrowed scheduler.
func (p *Platform) Scheduler() Scheduler { return p.scheduler }

// Disposed reports whether Dispose has been called.
func (p *Platform) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// PendingOperations returns the number of live (pending or running)
// operations, by dispatch target.
func (p *Platform) PendingOperations() (foreground, pool int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foregroundOps.len(), p.poolOps.len()
}

// ScheduleOnForegroundThread runs work on the foreground loop, at the
// default foreground priority.
func (p *Platform) ScheduleOnForegroundThread(work func()) *MainContextOperation {
	return p.ScheduleOnForegroundThreadDelayedPriority(0, p.priority, work)
}

// ScheduleOnForegroundThreadPriority runs work on the foreground loop.
func (p *Platform) ScheduleOnForegroundThreadPriority(priority scheduler.Priority, work func()) *MainContextOperation {
	return p.ScheduleOnForegroundThreadDelayedPriority(0, priority, work)
}

// ScheduleOnForegroundThreadDelayed runs work on the foreground loop, no
// sooner than delay from now, at the default foreground priority.
func (p *Platform) ScheduleOnForegroundThreadDelayed(delay time.Duration, work func()) *MainContextOperation {
	return p.ScheduleOnForegroundThreadDelayedPriority(delay, p.priority, work)
}

// ScheduleOnForegroundThreadDelayedPriority runs work on the foreground
// loop, no sooner than delay from now. If the scheduler rejects it, or the
// platform is disposed, the returned operation is already cancelled.
func (p *Platform) ScheduleOnForegroundThreadDelayedPriority(delay time.Duration, priority scheduler.Priority, work func()) *MainContextOperation {
	op := &MainContextOperation{priority: priority}
	if delay > 0 {
		op.deadline = time.Now().Add(delay)
	}
	if !p.register(op, &op.opCore, p.foregroundOps, kindForeground, work) {
		return op
	}
	var (
		src scheduler.Source
		err error
	)
	if delay > 0 {
		src, err = p.scheduler.RunOnForegroundAfter(delay, priority, op.run)
	} else {
		src, err = p.scheduler.RunOnForeground(priority, op.run)
	}
	p.attach(&op.opCore, src, err)
	return op
}

// PerformOnForegroundThread runs work on the foreground loop, at the
// default foreground priority, without returning a handle. Dispose still
// cancels it, if it has not started.
func (p *Platform) PerformOnForegroundThread(work func()) {
	p.ScheduleOnForegroundThread(work)
}

// PerformOnForegroundThreadPriority is PerformOnForegroundThread, at the
// given priority.
func (p *Platform) PerformOnForegroundThreadPriority(priority scheduler.Priority, work func()) {
	p.ScheduleOnForegroundThreadPriority(priority, work)
}

// ScheduleOnWorkerThread runs work on the pool.
func (p *Platform) ScheduleOnWorkerThread(work func()) *ThreadPoolOperation {
	op := new(ThreadPoolOperation)
	if !p.register(op, &op.opCore, p.poolOps, kindWorker, work) {
		return op
	}
	src, err := p.scheduler.RunOnWorker(op.run)
	p.attach(&op.opCore, src, err)
	return op
}

// ScheduleOnWorkerThreadDelayed runs work on the pool, no sooner than delay
// from now. The delay is timed on the foreground loop.
func (p *Platform) ScheduleOnWorkerThreadDelayed(delay time.Duration, work func()) *DelayedThreadPoolOperation {
	op := &DelayedThreadPoolOperation{delay: delay, deadline: time.Now().Add(delay)}
	if !p.register(op, &op.opCore, p.poolOps, kindDelayedWorker, work) {
		return op
	}
	if delay <= 0 {
		op.submit()
		return op
	}
	src, err := p.scheduler.RunOnForegroundAfter(delay, p.priority, op.submit)
	p.attach(&op.opCore, src, err)
	return op
}

// register initialises the operation, adding it to reg, or cancelling it
// if the platform has been disposed.
func (p *Platform) register(op Operation, x *opCore, reg *registry, kind string, work func()) bool {
	if work == nil {
		work = func() {}
	}
	x.platform = p
	x.registry = reg
	x.kind = kind
	x.work = work
	x.done = make(chan struct{})

	p.mu.Lock()
	p.nextID++
	x.id = p.nextID
	if p.disposed {
		x.state.Store(int32(OperationCancelled))
		p.mu.Unlock()
		p.metrics.cancelled.WithLabelValues(kind).Inc()
		close(x.done)
		p.logger.Debug().
			Str(`kind`, kind).
			Uint64(`operation`, x.id).
			Log(`operation scheduled after dispose`)
		return false
	}
	reg.add(op)
	p.mu.Unlock()

	p.metrics.scheduled.WithLabelValues(kind).Inc()
	return true
}

// attach records src as a way to dispatch x, or withdraws it if x is no
// longer pending. A scheduling error cancels x.
func (p *Platform) attach(x *opCore, src scheduler.Source, err error) {
	if err != nil {
		p.logger.Warning().
			Err(err).
			Str(`kind`, x.kind).
			Uint64(`operation`, x.id).
			Log(`scheduler rejected operation`)
		x.Cancel()
		return
	}
	p.mu.Lock()
	if x.State() == OperationPending {
		x.sources = append(x.sources, src)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	src.Cancel()
}

// safeExecute executes fn with panic recovery.
func (p *Platform) safeExecute(kind string, id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Err().
				Str(`kind`, kind).
				Uint64(`operation`, id).
				Any(`panic`, r).
				Log(`operation payload panicked`)
		}
	}()
	fn()
}

// PageAllocator returns the engine's page allocator.
func (p *Platform) PageAllocator() PageAllocator { return p.pageAllocator }

// ArrayBufferAllocator returns the engine's array buffer allocator.
func (p *Platform) ArrayBufferAllocator() ArrayBufferAllocator { return p.bufferAllocator }

// NumberOfWorkerThreads returns the size of the scheduler's pool.
func (p *Platform) NumberOfWorkerThreads() int { return p.scheduler.WorkerCount() }

// ForegroundTaskRunner returns the task runner for rt, creating it on first
// request. A nil rt means the isolate.
func (p *Platform) ForegroundTaskRunner(rt *goja.Runtime) *ForegroundTaskRunner {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rt == nil {
		rt = p.isolate
	}
	if r, ok := p.runners[rt]; ok {
		return r
	}
	r := &ForegroundTaskRunner{p: p, rt: rt}
	if !p.disposed {
		p.runners[rt] = r
	}
	return r
}

// CallOnWorkerThread runs an engine task on the pool.
func (p *Platform) CallOnWorkerThread(task Task) {
	if task == nil {
		return
	}
	p.ScheduleOnWorkerThread(task.Run)
}

// CallDelayedOnWorkerThread runs an engine task on the pool, no sooner
// than delaySeconds from now.
func (p *Platform) CallDelayedOnWorkerThread(task Task, delaySeconds float64) {
	if task == nil {
		return
	}
	p.ScheduleOnWorkerThreadDelayed(secondsToDuration(delaySeconds), task.Run)
}

// IdleTasksEnabled always returns false: idle tasks are not supported.
func (p *Platform) IdleTasksEnabled(*goja.Runtime) bool { return false }

// MonotonicallyIncreasingTime returns seconds elapsed since the platform
// was constructed, from a monotonic clock.
func (p *Platform) MonotonicallyIncreasingTime() float64 {
	return time.Since(p.start).Seconds()
}

// CurrentClockTimeMillis returns wall-clock milliseconds since the Unix epoch.
func (p *Platform) CurrentClockTimeMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

// ThreadingBackend returns the engine's synchronization primitive factory.
func (p *Platform) ThreadingBackend() ThreadingBackend { return p.threading }

// TracingController returns the engine's tracing controller.
func (p *Platform) TracingController() TracingController { return p.tracing }

// Dispose cancels every operation that has not started, waits for running
// operations (other than the caller's own) to finish, then releases the
// bundles, the isolate, and the allocators, in that order. Operations
// scheduled afterwards are cancelled immediately. Subsequent calls are
// no-ops.
//
// While waiting, the caller's hold on the isolate lock (if any) is
// released. A running operation that awaits the caller's own operation
// will deadlock Dispose.
func (p *Platform) Dispose() {
	gid := goroutineid.Current()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	var cancelled []cancelledOp
	cancelled = p.foregroundOps.cancelPendingLocked(cancelled)
	cancelled = p.poolOps.cancelPendingLocked(cancelled)
	var running []*opCore
	running = p.foregroundOps.runningLocked(gid, running)
	running = p.poolOps.runningLocked(gid, running)
	bundles := p.bundles
	p.bundles = nil
	runtimeBundle := p.runtimeBundle
	p.runtimeBundle = nil
	clear(p.runners)
	p.mu.Unlock()

	for _, c := range cancelled {
		c.op.cancelled(c.sources)
	}

	u := newUnlockerAs(p, gid)
	for _, op := range running {
		<-op.done
	}
	for _, e := range bundles {
		// waits out any concurrent build
		e.once.Do(func() { e.err = ErrPlatformDisposed })
		e.bundle.release()
	}
	u.Relock()
	runtimeBundle.release()

	p.mu.Lock()
	rt := p.isolate
	p.isolate = nil
	p.mu.Unlock()
	if rt != nil {
		rt.Interrupt(ErrPlatformDisposed)
	}

	p.releaseAllocators()

	p.logger.Info().
		Int(`cancelled`, len(cancelled)).
		Int(`awaited`, len(running)).
		Log(`platform disposed`)
}

func (p *Platform) releaseAllocators() {
	for _, v := range [...]any{p.pageAllocator, p.bufferAllocator} {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				p.logger.Warning().Err(err).Log(`failed to release allocator`)
			}
		}
	}
}
