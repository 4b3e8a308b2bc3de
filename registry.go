package gojaplatform

import (
	"github.com/joeycumines/goja-platform/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// registry tracks live (pending or running) operations of one dispatch
// target. All access is guarded by Platform.mu.
type registry struct {
	ops  map[uint64]Operation
	live prometheus.Gauge
	name string
}

func newRegistry(name string, m *metrics) *registry {
	return &registry{
		ops:  make(map[uint64]Operation),
		live: m.live.WithLabelValues(name),
		name: name,
	}
}

func (r *registry) add(op Operation) {
	r.ops[op.ID()] = op
	r.live.Inc()
}

func (r *registry) remove(id uint64) {
	if _, ok := r.ops[id]; ok {
		delete(r.ops, id)
		r.live.Dec()
	}
}

func (r *registry) len() int { return len(r.ops) }

// cancelledOp is an operation cancelled under Platform.mu, whose done
// signal and dispatch sources are yet to be dealt with.
type cancelledOp struct {
	op      *opCore
	sources []scheduler.Source
}

// cancelPendingLocked cancels every pending operation, appending them to
// dst. Running operations are left in place, to remove themselves.
func (r *registry) cancelPendingLocked(dst []cancelledOp) []cancelledOp {
	for _, op := range r.ops {
		c := op.core()
		if sources, ok := c.cancelLocked(); ok {
			dst = append(dst, cancelledOp{op: c, sources: sources})
		}
	}
	return dst
}

// runningLocked appends every running operation, except any running on
// the goroutine gid, to dst.
func (r *registry) runningLocked(gid uint64, dst []*opCore) []*opCore {
	for _, op := range r.ops {
		c := op.core()
		if c.State() == OperationRunning && c.runner != gid {
			dst = append(dst, c)
		}
	}
	return dst
}
