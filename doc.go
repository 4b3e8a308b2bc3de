// Package gojaplatform lets an embedded goja runtime run asynchronous and
// parallel work on a host's own concurrency, rather than spawning its own.
//
// The host supplies a [Scheduler]: one cooperative foreground loop (the
// isolate's thread) plus a fixed pool of workers. Package scheduler
// provides a ready-made implementation.
//
// # Operations
//
// Every unit of work scheduled through a [Platform] is wrapped in an
// [Operation], a cancellable, awaitable handle that runs its payload at most
// once:
//
//   - [*MainContextOperation] runs on the foreground loop, by priority
//     (lower values first, FIFO among equals), optionally after a delay.
//   - [*ThreadPoolOperation] runs on a worker.
//   - [*DelayedThreadPoolOperation] runs on a worker, once a timer on the
//     foreground loop has expired.
//
// Cancellation prevents execution that has not yet started. It never
// interrupts a running payload. Delays are a lower bound only: a delayed
// operation runs on the first loop turn at or after its deadline.
// Operations carry no result; a payload that needs to report one should
// record it somewhere its caller owns, then the caller awaits.
//
// Scheduling never fails outright. Work rejected by the Scheduler (for
// example, because it is shutting down) or scheduled after
// [Platform.Dispose] yields an operation that is already cancelled.
//
// # The isolate
//
// The platform owns a single [goja.Runtime], which is not safe for
// concurrent use. Access it only while holding the isolate lock, via
// [NewLocker], or [Platform.WithIsolate]. The lock is re-entrant, per
// goroutine. [NewUnlocker] temporarily releases it, and awaiting an
// operation does so automatically.
//
// The runtime has console (logged), setTimeout, clearTimeout and
// setImmediate (foreground operations), and require, including
// require('platform') and the bridge bundles, see [Platform.Bundle].
//
// # Usage
//
//	s, err := scheduler.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Shutdown(context.Background())
//
//	p, err := gojaplatform.NewPlatform(s)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Dispose()
//
//	op := p.ScheduleOnForegroundThread(func() {
//	    _ = p.WithIsolate(func(rt *goja.Runtime) error {
//	        _, err := rt.RunString(`console.log('hello')`)
//	        return err
//	    })
//	})
//	op.Await()
package gojaplatform
