package events

import "vaultescrow/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans an event out to every wrapped emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder keeps every emitted event in memory. Tests use it to assert on the
// exact sequence produced by an operation.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) { r.Events = append(r.Events, evt) }

// Types returns the event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.Events))
	for _, evt := range r.Events {
		out = append(out, evt.EventType())
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() { r.Events = nil }
