package gojaplatform

import (
	"errors"
)

var (
	// ErrPlatformDisposed is returned by calls that need the isolate, or a
	// bundle, after Platform.Dispose.
	ErrPlatformDisposed = errors.New("gojaplatform: platform has been disposed")

	// ErrAwaitReentrant is returned by AwaitContext when an operation is
	// awaited from within its own payload.
	ErrAwaitReentrant = errors.New("gojaplatform: operation awaited from its own payload")

	// ErrUnknownBundle is returned when requesting a bundle by an unknown name.
	ErrUnknownBundle = errors.New("gojaplatform: unknown bundle")

	// ErrNoBundleLoader is returned when a bridge bundle is requested but no
	// loader was configured.
	ErrNoBundleLoader = errors.New("gojaplatform: no bundle loader configured")

	// ErrOutOfMemory is returned (wrapped) by the page and array buffer
	// allocators when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gojaplatform: out of memory")
)
