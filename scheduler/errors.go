package scheduler

import (
	"errors"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("scheduler: loop is already running")

	// ErrLoopTerminated is returned when work is submitted to a terminated loop.
	ErrLoopTerminated = errors.New("scheduler: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("scheduler: cannot call Run from within the loop")

	// ErrPoolClosed is returned when work is submitted to a pool that is shutting down.
	ErrPoolClosed = errors.New("scheduler: pool is closed")

	// ErrNilFunc is returned when nil work is submitted.
	ErrNilFunc = errors.New("scheduler: nil func")
)
