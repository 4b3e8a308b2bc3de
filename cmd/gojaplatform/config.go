package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/joho/godotenv"
)

const (
	envWorkers     = "GOJAPLATFORM_WORKERS"
	envLogLevel    = "GOJAPLATFORM_LOG_LEVEL"
	envTimeout     = "GOJAPLATFORM_TIMEOUT"
	envMetricsAddr = "GOJAPLATFORM_METRICS_ADDR"
	envBundleDir   = "GOJAPLATFORM_BUNDLE_DIR"
	envArrayLimit  = "GOJAPLATFORM_ARRAY_BUFFER_LIMIT"

	defaultEnvFile = ".env"
)

// config holds the command's configuration, from (in increasing order of
// precedence) defaults, a .env file, the environment, then flags.
type config struct {
	MetricsAddr string
	BundleDir   string
	Scripts     []string
	Timeout     time.Duration
	ArrayLimit  int64
	Workers     int
	LogLevel    logiface.Level
}

// loadConfig parses args (excluding the program name). A missing .env file
// is not an error.
func loadConfig(args []string, stderr io.Writer) (*config, error) {
	envFile := defaultEnvFile
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, "-env-file="); ok {
			envFile = v
		} else if arg == "-env-file" && i+1 < len(args) {
			envFile = args[i+1]
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &config{
		LogLevel: logiface.LevelInformational,
	}

	var err error
	if v := os.Getenv(envWorkers); v != "" {
		if cfg.Workers, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%s: %w", envWorkers, err)
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		if cfg.LogLevel, err = parseLogLevel(v); err != nil {
			return nil, fmt.Errorf("%s: %w", envLogLevel, err)
		}
	}
	if v := os.Getenv(envTimeout); v != "" {
		if cfg.Timeout, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("%s: %w", envTimeout, err)
		}
	}
	if v := os.Getenv(envArrayLimit); v != "" {
		if cfg.ArrayLimit, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", envArrayLimit, err)
		}
	}
	cfg.MetricsAddr = os.Getenv(envMetricsAddr)
	cfg.BundleDir = os.Getenv(envBundleDir)

	fset := flag.NewFlagSet("gojaplatform", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprintf(fset.Output(), "usage: gojaplatform [flags] script.js...\n\nflags:\n")
		fset.PrintDefaults()
	}
	fset.String("env-file", envFile, "`path` of a .env file to load")
	fset.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size, 0 for GOMAXPROCS")
	fset.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "maximum run time, 0 for none")
	fset.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "`address` to serve prometheus metrics on")
	fset.StringVar(&cfg.BundleDir, "bundle-dir", cfg.BundleDir, "`directory` of engine bundles")
	fset.Int64Var(&cfg.ArrayLimit, "array-buffer-limit", cfg.ArrayLimit, "array buffer `bytes` limit, 0 for none")
	fset.Func("log-level", "log `level` (trace, debug, info, notice, warning, err, crit, alert, emerg, disabled)", func(s string) (err error) {
		cfg.LogLevel, err = parseLogLevel(s)
		return
	})
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	cfg.Scripts = fset.Args()

	if cfg.Workers < 0 {
		return nil, errors.New("workers must not be negative")
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("timeout must not be negative")
	}
	if cfg.ArrayLimit < 0 {
		return nil, errors.New("array buffer limit must not be negative")
	}
	if len(cfg.Scripts) == 0 {
		fset.Usage()
		return nil, errors.New("no scripts given")
	}

	return cfg, nil
}

// parseLogLevel accepts the names logiface levels are formatted as, plus
// the common aliases.
func parseLogLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "warn":
		return logiface.LevelWarning, nil
	case "error":
		return logiface.LevelError, nil
	case "information", "informational":
		return logiface.LevelInformational, nil
	}
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// newLogger creates a JSON lines logger writing to w.
func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
