package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Pool is a fixed-size set of worker goroutines, executing submitted work in
// parallel, in FIFO order of submission. The queue is unbounded, so
// submission never blocks.
type Pool struct {
	logger  *logiface.Logger[logiface.Event]
	cond    *sync.Cond
	done    chan struct{}
	queue   []*task
	workers int
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  atomic.Int64
	closed  bool
	// discard is set by Close, to drop queued work rather than drain it
	discard bool
}

// NewPool starts a Pool. [WithWorkers] sets its size.
//
// The Pool.Close method and/or Pool.Shutdown method should be called
// when the Pool is no longer needed.
func NewPool(opts ...Option) (*Pool, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		logger:  cfg.logger,
		done:    make(chan struct{}),
		workers: cfg.workers,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

// WorkerCount returns the number of worker goroutines.
func (p *Pool) WorkerCount() int { return p.workers }

// QueuedCount returns the number of tasks waiting for a worker.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ActiveCount returns the number of tasks currently executing.
func (p *Pool) ActiveCount() int { return int(p.active.Load()) }

// RunOnWorker queues fn for execution by the next free worker.
func (p *Pool) RunOnWorker(fn func()) (Source, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	t := &task{fn: fn, index: -1}
	if err := p.push(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RunOnWorkerAfter queues fn for execution no earlier than delay from now.
// The delay is tracked by a runtime timer, not by a worker.
func (p *Pool) RunOnWorkerAfter(delay time.Duration, fn func()) (Source, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if delay <= 0 {
		return p.RunOnWorker(fn)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	t := &task{fn: fn, index: -1}
	t.timer = time.AfterFunc(delay, func() {
		if t.state.Load() != taskQueued {
			return
		}
		if err := p.push(t); err != nil {
			t.state.CompareAndSwap(taskQueued, taskCancelled)
		}
	})
	return t, nil
}

// Shutdown stops accepting work, then waits for queued and running work to
// complete, or ctx to be done. Delayed work whose timer has not yet fired is
// rejected when it fires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, discards queued work, and waits for running
// work to complete.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.discard = true
	queue := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, t := range queue {
		t.state.CompareAndSwap(taskQueued, taskCancelled)
	}
	<-p.done
	return nil
}

func (p *Pool) push(t *task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// next blocks until a task is available, returning nil once the pool is
// closed and (unless discarding) drained.
func (p *Pool) next() *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.queue) != 0 && !p.discard {
			t := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			return t
		}
		if p.closed {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		if !t.claim() {
			continue
		}
		p.active.Add(1)
		p.safeExecute(t.fn)
		p.active.Add(-1)
	}
}

// safeExecute executes fn with panic recovery.
func (p *Pool) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Err().
				Any(`panic`, r).
				Log(`pool task panicked`)
		}
	}()
	fn()
}
