package gojaplatform

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForegroundTaskRunner_postTask(t *testing.T) {
	p, s := newTestPlatform(t)
	runner := p.ForegroundTaskRunner(nil)

	type observed struct {
		onLoop, locked bool
	}
	ch := make(chan observed, 1)
	runner.PostTask(TaskFunc(func() {
		ch <- observed{s.IsForegroundThread(), p.HoldsIsolate()}
	}))
	runner.PostTask(nil)
	select {
	case v := <-ch:
		assert.True(t, v.onLoop)
		assert.True(t, v.locked)
	case <-time.After(10 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestForegroundTaskRunner_nonNestableRunsFirst(t *testing.T) {
	p, s := newTestPlatform(t)
	runner := p.ForegroundTaskRunner(nil)
	assert.True(t, runner.NonNestableTasksEnabled())
	assert.True(t, runner.NonNestableDelayedTasksEnabled())
	assert.False(t, runner.IdleTasksEnabled())

	release := blockForeground(t, s)
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(name string) Task {
		wg.Add(1)
		return TaskFunc(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	runner.PostTask(record(`normal`))
	runner.PostNonNestableTask(record(`non-nestable`))
	release()
	wg.Wait()
	assert.Equal(t, []string{`non-nestable`, `normal`}, order)
}

func TestForegroundTaskRunner_delayed(t *testing.T) {
	p, _ := newTestPlatform(t)
	runner := p.ForegroundTaskRunner(nil)

	start := time.Now()
	elapsed := make(chan time.Duration, 2)
	runner.PostDelayedTask(TaskFunc(func() { elapsed <- time.Since(start) }), 0.02)
	runner.PostNonNestableDelayedTask(TaskFunc(func() { elapsed <- time.Since(start) }), 0.02)
	for range 2 {
		select {
		case d := <-elapsed:
			assert.GreaterOrEqual(t, d, 20*time.Millisecond)
		case <-time.After(10 * time.Second):
			t.Fatal("delayed task never ran")
		}
	}
}

func TestForegroundTaskRunner_idleTaskDropped(t *testing.T) {
	var logs syncBuffer
	p, _ := newTestPlatform(t, WithLogger(newTestLogger(&logs)))
	p.ForegroundTaskRunner(nil).PostIdleTask(nil)
	assert.Contains(t, logs.String(), `idle tasks are not supported`)
	fg, _ := p.PendingOperations()
	assert.Zero(t, fg)
}

func TestSecondsToDuration(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		seconds float64
		want    time.Duration
	}{
		{`zero`, 0, 0},
		{`negative`, -1, 0},
		{`nan`, math.NaN(), 0},
		{`negative infinity`, math.Inf(-1), 0},
		{`fraction`, 0.25, 250 * time.Millisecond},
		{`whole`, 3, 3 * time.Second},
		{`infinity`, math.Inf(1), time.Duration(math.MaxInt64)},
		{`overflow`, 1e300, time.Duration(math.MaxInt64)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, secondsToDuration(tc.seconds))
		})
	}
}
