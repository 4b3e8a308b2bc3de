package scheduler

import (
	"errors"
	"runtime"

	"github.com/joeycumines/logiface"
)

// options holds configuration for Loop, Pool and Scheduler creation.
type options struct {
	logger  *logiface.Logger[logiface.Event]
	workers int
}

// Option configures a Loop, Pool or Scheduler. Options that do not apply to
// the type being constructed are ignored.
type Option interface {
	apply(*options) error
}

// optionFunc implements Option.
type optionFunc struct {
	fn func(*options) error
}

func (o *optionFunc) apply(opts *options) error {
	return o.fn(opts)
}

// WithLogger sets the logger used to report recovered panics and lifecycle
// events. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionFunc{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithWorkers sets the number of pool workers.
// Defaults to runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return &optionFunc{func(opts *options) error {
		if n <= 0 {
			return errors.New("scheduler: workers must be positive")
		}
		opts.workers = n
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
