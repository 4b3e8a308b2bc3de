package gojaplatform

import (
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/goja-platform/scheduler"
)

// Task is a unit of engine work.
type Task interface {
	Run()
}

// TaskFunc adapts a func to Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// IdleTask is engine work to be run when the loop is idle, given a deadline
// in seconds of MonotonicallyIncreasingTime. Idle tasks are not supported.
type IdleTask interface {
	Run(deadlineSeconds float64)
}

// ForegroundTaskRunner posts engine tasks to the foreground loop. Each task
// runs with the isolate lock held. Obtain one via Platform.ForegroundTaskRunner.
type ForegroundTaskRunner struct {
	p  *Platform
	rt *goja.Runtime
}

// Runtime returns the runtime the runner was requested for.
func (x *ForegroundTaskRunner) Runtime() *goja.Runtime { return x.rt }

// PostTask runs task on the foreground loop.
func (x *ForegroundTaskRunner) PostTask(task Task) {
	if task == nil {
		return
	}
	x.p.PerformOnForegroundThread(x.wrap(task))
}

// PostNonNestableTask runs task on the foreground loop, ahead of default
// priority work. Foreground tasks never nest.
func (x *ForegroundTaskRunner) PostNonNestableTask(task Task) {
	if task == nil {
		return
	}
	x.p.PerformOnForegroundThreadPriority(scheduler.PriorityHigh, x.wrap(task))
}

// PostDelayedTask runs task on the foreground loop, no sooner than
// delaySeconds from now.
func (x *ForegroundTaskRunner) PostDelayedTask(task Task, delaySeconds float64) {
	if task == nil {
		return
	}
	x.p.ScheduleOnForegroundThreadDelayed(secondsToDuration(delaySeconds), x.wrap(task))
}

// PostNonNestableDelayedTask is PostDelayedTask, as foreground tasks never nest.
func (x *ForegroundTaskRunner) PostNonNestableDelayedTask(task Task, delaySeconds float64) {
	x.PostDelayedTask(task, delaySeconds)
}

// PostIdleTask drops task, as idle tasks are not supported.
func (x *ForegroundTaskRunner) PostIdleTask(task IdleTask) {
	x.p.logger.Warning().Log(`idle tasks are not supported, dropping task`)
}

func (x *ForegroundTaskRunner) IdleTasksEnabled() bool { return false }

func (x *ForegroundTaskRunner) NonNestableTasksEnabled() bool { return true }

func (x *ForegroundTaskRunner) NonNestableDelayedTasksEnabled() bool { return true }

func (x *ForegroundTaskRunner) wrap(task Task) func() {
	return func() {
		l := NewLocker(x.p)
		defer l.Unlock()
		task.Run()
	}
}

// secondsToDuration converts an engine delay, clamping invalid or
// unrepresentable values.
func secondsToDuration(seconds float64) time.Duration {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	if seconds >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}
