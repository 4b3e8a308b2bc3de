// Package scheduler is a reference host for the platform bridge: one
// cooperative [Loop] acting as the foreground (JS) context, plus a
// fixed-size worker [Pool], combined by [Scheduler].
//
// # Execution Model
//
// The [Loop] dispatches on a single goroutine. Ready work runs in [Priority]
// order, FIFO among equal priorities. Delayed work is held in a timer heap
// and becomes ready on the first loop turn at or after its deadline; there is
// no upper bound on lateness.
//
// The [Pool] runs work on a fixed number of goroutines, in submission order,
// truly in parallel with the loop and with each other.
//
// # Cancellation
//
// Every submission returns a [Source]. Cancelling it prevents dispatch if the
// work has not started; it never interrupts running work.
//
// # Usage
//
//	s, err := scheduler.New(scheduler.WithWorkers(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	_, _ = s.RunOnForeground(scheduler.PriorityDefault, func() {
//	    fmt.Println("on the loop")
//	})
//	_, _ = s.RunOnWorker(func() {
//	    fmt.Println("on a worker")
//	})
//
//	_ = s.Shutdown(context.Background())
package scheduler
