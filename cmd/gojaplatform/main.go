// Command gojaplatform runs JavaScript files on a goja isolate, hosted by a
// Platform over the reference scheduler, exiting once every scheduled
// operation (timers included) has finished.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dop251/goja"
	gojaplatform "github.com/joeycumines/goja-platform"
	"github.com/joeycumines/goja-platform/scheduler"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

const (
	idlePollInterval = 10 * time.Millisecond
	shutdownTimeout  = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "gojaplatform: %v\n", err)
		return 2
	}

	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if err := runScripts(ctx, cfg, logger); err != nil {
		logger.Err().Err(err).Log(`run failed`)
		return 1
	}
	return 0
}

func runScripts(ctx context.Context, cfg *config, logger *logiface.Logger[logiface.Event]) (err error) {
	schedulerOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if cfg.Workers > 0 {
		schedulerOpts = append(schedulerOpts, scheduler.WithWorkers(cfg.Workers))
	}
	s, err := scheduler.New(schedulerOpts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if e := s.Shutdown(shutdownCtx); e != nil {
			err = errors.Join(err, fmt.Errorf("scheduler shutdown: %w", e))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts := []gojaplatform.Option{
		gojaplatform.WithLogger(logger),
		gojaplatform.WithRegisterer(reg),
		gojaplatform.WithArrayBufferLimit(cfg.ArrayLimit),
	}
	if cfg.BundleDir != "" {
		opts = append(opts, gojaplatform.WithBundleLoader(dirBundleLoader(os.DirFS(cfg.BundleDir))))
	}
	p, err := gojaplatform.NewPlatform(s, opts...)
	if err != nil {
		return err
	}
	defer p.Dispose()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err().Err(err).Str(`addr`, cfg.MetricsAddr).Log(`metrics server failed`)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str(`addr`, cfg.MetricsAddr).Log(`serving metrics`)
	}

	for _, path := range cfg.Scripts {
		if err := runScript(ctx, p, path); err != nil {
			return err
		}
	}

	return waitIdle(ctx, p, logger)
}

// runScript evaluates one script on the foreground loop, waiting for it to
// return (but not for any work it schedules).
func runScript(ctx context.Context, p *gojaplatform.Platform, path string) error {
	name, source, err := readScript(path)
	if err != nil {
		return err
	}
	var runErr error
	op := p.ScheduleOnForegroundThread(func() {
		runErr = p.WithIsolate(func(rt *goja.Runtime) error {
			_, err := rt.RunScript(name, source)
			return err
		})
	})
	if err := op.AwaitContext(ctx); err != nil {
		op.Cancel()
		if op.State() == gojaplatform.OperationRunning {
			// Dispose would otherwise wait on it
			p.Interrupt(err)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if op.State() != gojaplatform.OperationCompleted {
		return fmt.Errorf("%s: not run", name)
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w", name, runErr)
	}
	return nil
}

// waitIdle blocks until no operations are live, or ctx is done.
func waitIdle(ctx context.Context, p *gojaplatform.Platform, logger *logiface.Logger[logiface.Event]) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		foreground, pool := p.PendingOperations()
		if foreground == 0 && pool == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			p.Interrupt(ctx.Err())
			logger.Warning().
				Int(`foreground`, foreground).
				Int(`pool`, pool).
				Log(`abandoning pending operations`)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
