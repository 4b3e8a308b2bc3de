package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := NewPool(WithWorkers(workers))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewPool_invalidWorkers(t *testing.T) {
	_, err := NewPool(WithWorkers(0))
	require.Error(t, err)
}

func TestPool_parallel(t *testing.T) {
	const workers = 4
	p := newPool(t, workers)
	require.Equal(t, workers, p.WorkerCount())

	var (
		wg      sync.WaitGroup
		arrived sync.WaitGroup
	)
	gate := make(chan struct{})
	arrived.Add(workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		_, err := p.RunOnWorker(func() {
			defer wg.Done()
			arrived.Done()
			<-gate
		})
		require.NoError(t, err)
	}
	// all workers must be able to block at once
	arrived.Wait()
	assert.Equal(t, workers, p.ActiveCount())
	close(gate)
	wg.Wait()
}

func TestPool_cancelBeforeDequeue(t *testing.T) {
	p := newPool(t, 1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	_, err := p.RunOnWorker(func() {
		close(entered)
		<-gate
	})
	require.NoError(t, err)
	<-entered

	var ran atomic.Bool
	src, err := p.RunOnWorker(func() { ran.Store(true) })
	require.NoError(t, err)
	require.Equal(t, 1, p.QueuedCount())
	time.Sleep(time.Millisecond)
	require.True(t, src.Cancel())

	done := make(chan struct{})
	_, err = p.RunOnWorker(func() { close(done) })
	require.NoError(t, err)
	close(gate)
	<-done

	assert.False(t, ran.Load(), "cancelled work ran")
}

func TestPool_runOnWorkerAfter(t *testing.T) {
	p := newPool(t, 2)

	const delay = 40 * time.Millisecond
	start := time.Now()
	fired := make(chan time.Duration, 1)
	_, err := p.RunOnWorkerAfter(delay, func() { fired <- time.Since(start) })
	require.NoError(t, err)

	select {
	case elapsed := <-fired:
		assert.GreaterOrEqual(t, elapsed, delay)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestPool_cancelDelayed(t *testing.T) {
	p := newPool(t, 1)

	var ran atomic.Bool
	src, err := p.RunOnWorkerAfter(20*time.Millisecond, func() { ran.Store(true) })
	require.NoError(t, err)
	require.True(t, src.Cancel())
	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPool_shutdownDrains(t *testing.T) {
	p, err := NewPool(WithWorkers(2))
	require.NoError(t, err)

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		_, err := p.RunOnWorker(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.EqualValues(t, 50, count.Load())

	_, err = p.RunOnWorker(func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.RunOnWorkerAfter(time.Second, func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_closeDiscards(t *testing.T) {
	p, err := NewPool(WithWorkers(1))
	require.NoError(t, err)

	entered := make(chan struct{})
	gate := make(chan struct{})
	_, err = p.RunOnWorker(func() {
		close(entered)
		<-gate
	})
	require.NoError(t, err)
	<-entered

	var ran atomic.Bool
	src, err := p.RunOnWorker(func() { ran.Store(true) })
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	<-closed

	assert.False(t, ran.Load())
	assert.False(t, src.Cancel(), "discarded work is no longer queued")
}

func TestPool_panicRecovered(t *testing.T) {
	p := newPool(t, 1)
	_, err := p.RunOnWorker(func() { panic("boom") })
	require.NoError(t, err)
	done := make(chan struct{})
	_, err = p.RunOnWorker(func() { close(done) })
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panic")
	}
}
