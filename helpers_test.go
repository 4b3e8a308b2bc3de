package gojaplatform

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/goja-platform/scheduler"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for use by concurrent loggers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func newTestScheduler(t *testing.T, workers int) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.WithWorkers(workers))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("scheduler shutdown: %v", err)
		}
	})
	return s
}

// newTestPlatform returns a platform over a new two-worker scheduler,
// disposed (before the scheduler is shut down) on cleanup.
func newTestPlatform(t *testing.T, opts ...Option) (*Platform, *scheduler.Scheduler) {
	t.Helper()
	return newTestPlatformWorkers(t, 2, opts...)
}

func newTestPlatformWorkers(t *testing.T, workers int, opts ...Option) (*Platform, *scheduler.Scheduler) {
	t.Helper()
	s := newTestScheduler(t, workers)
	p, err := NewPlatform(s, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p, s
}

// blockForeground occupies the foreground loop, outside any operation,
// until the returned func is called.
func blockForeground(t *testing.T, s *scheduler.Scheduler) (release func()) {
	t.Helper()
	entered := make(chan struct{})
	gate := make(chan struct{})
	_, err := s.RunOnForeground(scheduler.PriorityHigh, func() {
		close(entered)
		<-gate
	})
	require.NoError(t, err)
	<-entered
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

// blockWorkers occupies every worker, outside any operation.
func blockWorkers(t *testing.T, s *scheduler.Scheduler) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(s.WorkerCount())
	for range s.WorkerCount() {
		_, err := s.RunOnWorker(func() {
			entered.Done()
			<-gate
		})
		require.NoError(t, err)
	}
	entered.Wait()
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

// runJS evaluates src with the isolate lock held.
func runJS(t *testing.T, p *Platform, src string) goja.Value {
	t.Helper()
	var v goja.Value
	require.NoError(t, p.WithIsolate(func(rt *goja.Runtime) (err error) {
		v, err = rt.RunString(src)
		return
	}))
	return v
}

func awaitDone(t *testing.T, op Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("operation %d did not finish, state %s", op.ID(), op.State())
	}
}

// rejectingScheduler refuses all work.
type rejectingScheduler struct{}

var errRejected = errors.New("rejected")

func (rejectingScheduler) RunOnForeground(scheduler.Priority, func()) (scheduler.Source, error) {
	return nil, errRejected
}

func (rejectingScheduler) RunOnForegroundAfter(time.Duration, scheduler.Priority, func()) (scheduler.Source, error) {
	return nil, errRejected
}

func (rejectingScheduler) IsForegroundThread() bool { return false }

func (rejectingScheduler) RunOnWorker(func()) (scheduler.Source, error) { return nil, errRejected }

func (rejectingScheduler) WorkerCount() int { return 1 }
