package gojaplatform

import (
	"errors"

	"github.com/joeycumines/goja-platform/scheduler"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

// platformOptions holds configuration for a [Platform].
type platformOptions struct {
	logger             *logiface.Logger[logiface.Event]
	bundleLoader       BundleLoader
	pageAllocator      PageAllocator
	bufferAllocator    ArrayBufferAllocator
	tracing            TracingController
	registerer         prometheus.Registerer
	bufferLimit        int64
	foregroundPriority scheduler.Priority
}

// Option configures a [Platform]. Options are applied by [NewPlatform].
type Option interface {
	applyOption(*platformOptions) error
}

// optionFunc implements [Option] via a closure.
type optionFunc struct {
	fn func(*platformOptions) error
}

func (o *optionFunc) applyOption(opts *platformOptions) error {
	return o.fn(opts)
}

// WithLogger sets the logger. Script console output, recovered panics,
// rejected scheduling and lifecycle events are all logged through it.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithBundleLoader configures the source of the runtime and bridge bundles.
// Without a loader the runtime bundle is empty, and bridge bundles are
// unavailable.
func WithBundleLoader(loader BundleLoader) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		opts.bundleLoader = loader
		return nil
	}}
}

// WithPageAllocator replaces the default (mmap-backed, where supported)
// page allocator. The platform takes ownership: if the allocator implements
// io.Closer, it is closed by Platform.Dispose.
func WithPageAllocator(allocator PageAllocator) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		if allocator == nil {
			return errors.New("gojaplatform: page allocator must not be nil")
		}
		opts.pageAllocator = allocator
		return nil
	}}
}

// WithArrayBufferAllocator replaces the default heap array buffer
// allocator. As with WithPageAllocator, the platform takes ownership.
func WithArrayBufferAllocator(allocator ArrayBufferAllocator) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		if allocator == nil {
			return errors.New("gojaplatform: array buffer allocator must not be nil")
		}
		opts.bufferAllocator = allocator
		return nil
	}}
}

// WithArrayBufferLimit caps the bytes outstanding from the default array
// buffer allocator. Zero (the default) means unlimited. It has no effect
// in combination with WithArrayBufferAllocator.
func WithArrayBufferLimit(limit int64) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		if limit < 0 {
			return errors.New("gojaplatform: array buffer limit must not be negative")
		}
		opts.bufferLimit = limit
		return nil
	}}
}

// WithTracingController replaces the default (disabled) tracing controller.
func WithTracingController(controller TracingController) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		if controller == nil {
			return errors.New("gojaplatform: tracing controller must not be nil")
		}
		opts.tracing = controller
		return nil
	}}
}

// WithRegisterer registers the platform's metrics. By default they are
// collected but not registered anywhere.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		opts.registerer = registerer
		return nil
	}}
}

// WithForegroundPriority sets the priority used by the foreground
// scheduling methods that do not take one. Defaults to
// scheduler.PriorityDefault.
func WithForegroundPriority(priority scheduler.Priority) Option {
	return &optionFunc{fn: func(opts *platformOptions) error {
		opts.foregroundPriority = priority
		return nil
	}}
}

// resolveOptions applies the given options over the defaults.
func resolveOptions(opts []Option) (*platformOptions, error) {
	cfg := &platformOptions{
		foregroundPriority: scheduler.PriorityDefault,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.pageAllocator == nil {
		cfg.pageAllocator = newDefaultPageAllocator()
	}
	if cfg.bufferAllocator == nil {
		cfg.bufferAllocator = NewHeapArrayBufferAllocator(cfg.bufferLimit)
	}
	if cfg.tracing == nil {
		cfg.tracing = NopTracingController{}
	}
	return cfg, nil
}
