package scheduler

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
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

func TestScheduler_lifecycle(t *testing.T) {
	var logs syncBuffer
	s, err := New(WithWorkers(2), WithLogger(newTestLogger(&logs)))
	require.NoError(t, err)
	require.Equal(t, 2, s.WorkerCount())
	require.Equal(t, StateRunning, s.Loop().State())

	onLoop := make(chan bool, 1)
	_, err = s.RunOnForeground(PriorityDefault, func() { onLoop <- s.IsForegroundThread() })
	require.NoError(t, err)
	assert.True(t, <-onLoop)
	assert.False(t, s.IsForegroundThread())

	onWorker := make(chan bool, 1)
	_, err = s.RunOnWorker(func() { onWorker <- s.IsForegroundThread() })
	require.NoError(t, err)
	assert.False(t, <-onWorker)

	fired := make(chan struct{})
	_, err = s.RunOnForegroundAfter(5*time.Millisecond, PriorityLow, func() { close(fired) })
	require.NoError(t, err)
	<-fired

	workerFired := make(chan struct{})
	_, err = s.RunOnWorkerAfter(5*time.Millisecond, func() { close(workerFired) })
	require.NoError(t, err)
	<-workerFired

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StateTerminated, s.Loop().State())
	assert.Contains(t, logs.String(), `loop stopped`)

	_, err = s.RunOnForeground(PriorityDefault, func() {})
	assert.ErrorIs(t, err, ErrLoopTerminated)
	_, err = s.RunOnWorker(func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestScheduler_shutdownDrainsLoopIntoPool(t *testing.T) {
	s, err := New(WithWorkers(1))
	require.NoError(t, err)

	var ran atomic.Bool
	_, err = s.RunOnForeground(PriorityDefault, func() {
		_, _ = s.RunOnWorker(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Store(true)
		})
	})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, ran.Load(), "pool work queued by the loop should drain")
}

func TestScheduler_closeFromLoop(t *testing.T) {
	s, err := New(WithWorkers(1))
	require.NoError(t, err)

	done := make(chan error, 1)
	_, err = s.RunOnForeground(PriorityDefault, func() { done <- s.Close() })
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.NoError(t, s.Close())
	assert.Equal(t, StateTerminated, s.Loop().State())
}

func TestScheduler_panicLogged(t *testing.T) {
	var logs syncBuffer
	s, err := New(WithWorkers(1), WithLogger(newTestLogger(&logs)))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RunOnWorker(func() { panic("worker boom") })
	require.NoError(t, err)
	_, err = s.RunOnForeground(PriorityDefault, func() { panic("loop boom") })
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	out := logs.String()
	assert.Contains(t, out, `worker boom`)
	assert.Contains(t, out, `loop boom`)
	assert.Contains(t, out, `pool task panicked`)
	assert.Contains(t, out, `loop task panicked`)
}

func TestLoop_shutdownWarnsOfDiscardedTimers(t *testing.T) {
	var logs syncBuffer
	l, err := NewLoop(WithLogger(newTestLogger(&logs)))
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()

	_, err = l.RunOnForegroundAfter(time.Hour, PriorityDefault, func() {})
	require.NoError(t, err)
	require.NoError(t, l.Shutdown(context.Background()))

	out := logs.String()
	assert.Contains(t, out, `loop discarded queued work`)
	assert.Contains(t, out, `warning`)
	assert.Contains(t, out, `timers`)
}
