package gojaplatform

// TraceEventPhase identifies the kind of a trace event, using the Chrome
// trace event format's phase characters.
type TraceEventPhase byte

const (
	TracePhaseBegin    TraceEventPhase = 'B'
	TracePhaseEnd      TraceEventPhase = 'E'
	TracePhaseComplete TraceEventPhase = 'X'
	TracePhaseInstant  TraceEventPhase = 'I'
)

// TraceCategory is the category of the events the platform itself emits,
// one complete event per operation payload, named by the operation kind.
const TraceCategory = `gojaplatform`

// TracingController receives trace events from the engine. Collection and
// export are the controller's concern.
type TracingController interface {
	// CategoryEnabled reports whether events in category should be recorded.
	CategoryEnabled(category string) bool
	// AddTraceEvent records an event, returning a handle for
	// UpdateTraceEventDuration, or zero.
	AddTraceEvent(phase TraceEventPhase, category, name string, id uint64, args map[string]any) uint64
	// UpdateTraceEventDuration closes a TracePhaseComplete event.
	UpdateTraceEventDuration(category, name string, handle uint64)
}

// NopTracingController is the default TracingController, recording nothing.
type NopTracingController struct{}

var _ TracingController = NopTracingController{}

func (NopTracingController) CategoryEnabled(string) bool { return false }

func (NopTracingController) AddTraceEvent(TraceEventPhase, string, string, uint64, map[string]any) uint64 {
	return 0
}

func (NopTracingController) UpdateTraceEventDuration(string, string, uint64) {}
