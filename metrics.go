package gojaplatform

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation kinds, used as metric label values.
const (
	kindForeground    = "foreground"
	kindWorker        = "worker"
	kindDelayedWorker = "delayed_worker"
)

// Registry names, used as metric label values.
const (
	registryForeground = "foreground"
	registryPool       = "pool"
)

type metrics struct {
	scheduled  *prometheus.CounterVec
	completed  *prometheus.CounterVec
	cancelled  *prometheus.CounterVec
	live       *prometheus.GaugeVec
	jobWorkers prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		scheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gojaplatform_operations_scheduled_total",
				Help: "Total number of operations scheduled, by kind.",
			},
			[]string{"kind"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gojaplatform_operations_completed_total",
				Help: "Total number of operations whose payload ran to completion, by kind.",
			},
			[]string{"kind"},
		),
		cancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gojaplatform_operations_cancelled_total",
				Help: "Total number of operations cancelled before running, by kind.",
			},
			[]string{"kind"},
		),
		live: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gojaplatform_operations_live",
				Help: "Number of operations currently pending or running, by registry.",
			},
			[]string{"registry"},
		),
		jobWorkers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gojaplatform_job_workers_started_total",
				Help: "Total number of job worker invocations that ran the job task.",
			},
		),
	}

	// pre-initialise label combinations so they are exported from startup
	for _, kind := range [...]string{kindForeground, kindWorker, kindDelayedWorker} {
		m.scheduled.WithLabelValues(kind)
		m.completed.WithLabelValues(kind)
		m.cancelled.WithLabelValues(kind)
	}
	m.live.WithLabelValues(registryForeground)
	m.live.WithLabelValues(registryPool)

	if registerer != nil {
		for _, c := range [...]prometheus.Collector{m.scheduled, m.completed, m.cancelled, m.live, m.jobWorkers} {
			if err := registerer.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if errors.As(err, &are) {
					return nil, errors.New("gojaplatform: metrics already registered, use a distinct registerer per platform")
				}
				return nil, err
			}
		}
	}

	return m, nil
}
