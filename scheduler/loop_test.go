package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startLoop runs a new loop in the background, shutting it down on cleanup.
func startLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	started := make(chan struct{})
	if err := l.Submit(func() { close(started) }); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	<-started
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	})
	return l
}

// blockLoop occupies the loop until the returned func is called.
func blockLoop(t *testing.T, l *Loop) (release func()) {
	t.Helper()
	entered := make(chan struct{})
	gate := make(chan struct{})
	if err := l.Submit(func() {
		close(entered)
		<-gate
	}); err != nil {
		t.Fatal(err)
	}
	<-entered
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestLoop_priorityThenFIFO(t *testing.T) {
	l := startLoop(t)
	release := blockLoop(t, l)
	defer release()

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(name string) func() {
		wg.Add(1)
		return func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	for _, tc := range [...]struct {
		name     string
		priority Priority
	}{
		{`low`, PriorityLow},
		{`high-1`, PriorityHigh},
		{`default`, PriorityDefault},
		{`high-2`, PriorityHigh},
		{`high-3`, PriorityHigh},
	} {
		if _, err := l.RunOnForeground(tc.priority, record(tc.name)); err != nil {
			t.Fatal(err)
		}
	}

	release()
	wg.Wait()

	want := []string{`high-1`, `high-2`, `high-3`, `default`, `low`}
	if len(order) != len(want) {
		t.Fatalf("unexpected order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v, want %v", order, want)
		}
	}
}

func TestLoop_timerNotEarly(t *testing.T) {
	l := startLoop(t)

	const delay = 50 * time.Millisecond
	start := time.Now()
	fired := make(chan time.Duration, 1)
	if _, err := l.RunOnForegroundAfter(delay, PriorityDefault, func() {
		fired <- time.Since(start)
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case elapsed := <-fired:
		if elapsed < delay {
			t.Fatalf("timer fired early: %v < %v", elapsed, delay)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoop_timerOrdering(t *testing.T) {
	l := startLoop(t)

	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i, d := range []time.Duration{30, 10, 20} {
		i := i
		if _, err := l.RunOnForegroundAfter(d*time.Millisecond, PriorityDefault, func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			if len(order) == 3 {
				close(done)
			}
		}); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	if order[0] != 1 || order[1] != 2 || order[2] != 0 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestLoop_cancelTimer(t *testing.T) {
	l := startLoop(t)

	var ran atomic.Bool
	src, err := l.RunOnForegroundAfter(30*time.Millisecond, PriorityDefault, func() { ran.Store(true) })
	if err != nil {
		t.Fatal(err)
	}
	if !src.Cancel() {
		t.Fatal("expected cancel to withdraw the timer")
	}
	if src.Cancel() {
		t.Fatal("second cancel should report false")
	}
	if n := l.Pending(); n != 0 {
		t.Fatalf("expected no pending work, got %d", n)
	}

	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled timer ran")
	}
}

func TestLoop_cancelAfterDispatch(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	src, err := l.RunOnForeground(PriorityDefault, func() { close(done) })
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if src.Cancel() {
		t.Fatal("cancel after dispatch should report false")
	}
}

func TestLoop_isCurrentThread(t *testing.T) {
	l := startLoop(t)

	if l.IsCurrentThread() {
		t.Fatal("test goroutine is not the loop")
	}
	result := make(chan bool, 1)
	if err := l.Submit(func() { result <- l.IsCurrentThread() }); err != nil {
		t.Fatal(err)
	}
	if !<-result {
		t.Fatal("expected IsCurrentThread inside loop work")
	}
}

func TestLoop_runTwice(t *testing.T) {
	l := startLoop(t)
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Fatalf("expected ErrLoopAlreadyRunning, got %v", err)
	}
	result := make(chan error, 1)
	_ = l.Submit(func() { result <- l.Run(context.Background()) })
	if err := <-result; !errors.Is(err, ErrReentrantRun) {
		t.Fatalf("expected ErrReentrantRun, got %v", err)
	}
}

func TestLoop_panicRecovered(t *testing.T) {
	l := startLoop(t)

	_ = l.Submit(func() { panic("boom") })
	done := make(chan struct{})
	_ = l.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not survive a panic")
	}
}

func TestLoop_shutdownDrainsReady(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = l.Run(context.Background()) }()

	var ran atomic.Int32
	entered := make(chan struct{})
	gate := make(chan struct{})
	_ = l.Submit(func() {
		close(entered)
		<-gate
	})
	<-entered
	for i := 0; i < 10; i++ {
		_ = l.Submit(func() { ran.Add(1) })
	}
	var timerRan atomic.Bool
	_, _ = l.RunOnForegroundAfter(time.Hour, PriorityDefault, func() { timerRan.Store(true) })

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- l.Shutdown(context.Background()) }()
	close(gate)

	if err := <-shutdownErr; err != nil {
		t.Fatal(err)
	}
	if n := ran.Load(); n != 10 {
		t.Fatalf("expected 10 drained tasks, got %d", n)
	}
	if timerRan.Load() {
		t.Fatal("unexpired timer should be discarded")
	}
	if l.State() != StateTerminated {
		t.Fatalf("unexpected state: %v", l.State())
	}
	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated, got %v", err)
	}
}

func TestLoop_closeDiscards(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = l.Run(context.Background()) }()

	entered := make(chan struct{})
	gate := make(chan struct{})
	_ = l.Submit(func() {
		close(entered)
		<-gate
	})
	<-entered
	var ran atomic.Bool
	_ = l.Submit(func() { ran.Store(true) })

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	// wait for the close request to land before releasing the loop
	for l.State() != StateTerminating {
		time.Sleep(time.Millisecond)
	}
	close(gate)
	<-closed

	if ran.Load() {
		t.Fatal("queued work ran after Close")
	}
}

func TestLoop_shutdownBeforeRun(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	var ran atomic.Bool
	src, err := l.RunOnForeground(PriorityDefault, func() { ran.Store(true) })
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopTerminated) {
		t.Fatalf("expected ErrLoopTerminated, got %v", err)
	}
	if src.Cancel() {
		t.Fatal("discarded work should no longer be cancellable")
	}
	if ran.Load() {
		t.Fatal("work ran on a loop that never started")
	}
}

func TestLoop_contextCancel(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on ctx cancel")
	}
}

func TestLoop_nilFunc(t *testing.T) {
	l := startLoop(t)
	if _, err := l.RunOnForeground(PriorityDefault, nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("expected ErrNilFunc, got %v", err)
	}
}

func TestLoopState_String(t *testing.T) {
	for _, tc := range [...]struct {
		state LoopState
		want  string
	}{
		{StateAwake, `Awake`},
		{StateRunning, `Running`},
		{StateTerminating, `Terminating`},
		{StateTerminated, `Terminated`},
		{LoopState(99), `Unknown`},
	} {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d: got %q, want %q", tc.state, got, tc.want)
		}
	}
}
