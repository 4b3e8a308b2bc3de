package gojaplatform

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTraceEvent struct {
	phase    TraceEventPhase
	name     string
	id       uint64
	finished bool
}

type recordingTracingController struct {
	mu     sync.Mutex
	events []*recordedTraceEvent
}

func (x *recordingTracingController) CategoryEnabled(category string) bool {
	return category == TraceCategory
}

func (x *recordingTracingController) AddTraceEvent(phase TraceEventPhase, category, name string, id uint64, args map[string]any) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, &recordedTraceEvent{phase: phase, name: name, id: id})
	return uint64(len(x.events))
}

func (x *recordingTracingController) UpdateTraceEventDuration(category, name string, handle uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events[handle-1].finished = true
}

func TestTracingController_operationEvents(t *testing.T) {
	tracing := new(recordingTracingController)
	p, _ := newTestPlatform(t, WithTracingController(tracing))
	assert.Same(t, tracing, p.TracingController())

	fg := p.ScheduleOnForegroundThread(func() {})
	fg.Await()
	w := p.ScheduleOnWorkerThread(func() {})
	w.Await()
	cancelled := p.ScheduleOnWorkerThreadDelayed(1<<40, func() {})
	cancelled.Cancel()

	tracing.mu.Lock()
	defer tracing.mu.Unlock()
	require.Len(t, tracing.events, 2)
	for i, want := range []struct {
		name string
		id   uint64
	}{{kindForeground, fg.ID()}, {kindWorker, w.ID()}} {
		e := tracing.events[i]
		assert.Equal(t, TracePhaseComplete, e.phase)
		assert.Equal(t, want.name, e.name)
		assert.Equal(t, want.id, e.id)
		assert.True(t, e.finished)
	}
}

func TestNopTracingController(t *testing.T) {
	var x NopTracingController
	assert.False(t, x.CategoryEnabled(TraceCategory))
	assert.Zero(t, x.AddTraceEvent(TracePhaseInstant, TraceCategory, `x`, 1, nil))
	x.UpdateTraceEventDuration(TraceCategory, `x`, 0)
}
