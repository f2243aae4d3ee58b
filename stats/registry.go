// Package stats implements the per-channel statistics pipeline: a typed
// dispatch registry and the accumulators it feeds. Accumulators synchronize
// internally, so Update may be called concurrently from any connector callback
// without the caller holding a lock.
package stats

import (
	"github.com/onnwee/streamwatch/events"
)

// Accumulator is one stateful unit consuming one or more event kinds and
// producing a named, independently computable result.
type Accumulator interface {
	// Name keys the accumulator's result in Registry.Results.
	Name() string
	// Result computes a snapshot of the accumulator's current state.
	Result() any
	// Reset clears internal state for a fresh interval.
	Reset()
	// register wires the accumulator's typed update funcs into the dispatch
	// table. Called once at Registry construction.
	register(r *Registry)
}

// Registry dispatches events to the accumulators interested in their kind.
// The dispatch table is built once at construction and never mutated after,
// so Update reads it without locking.
type Registry struct {
	accumulators []Accumulator
	handlers     map[events.Kind][]func(events.Event)
}

// NewRegistry builds a registry over the given accumulators. Each accumulator
// declares its consumed kinds during registration; the dispatch mechanism
// never needs to change when a new accumulator is added.
func NewRegistry(accs ...Accumulator) *Registry {
	r := &Registry{
		accumulators: accs,
		handlers:     make(map[events.Kind][]func(events.Event)),
	}
	for _, a := range accs {
		a.register(r)
	}
	return r
}

// on appends a typed handler for T's kind. The zero value of every event type
// reports its kind, which keeps registration free of reflection.
func on[T events.Event](r *Registry, fn func(T)) {
	var zero T
	kind := zero.Kind()
	r.handlers[kind] = append(r.handlers[kind], func(e events.Event) {
		if ev, ok := e.(T); ok {
			fn(ev)
		}
	})
}

// Update dispatches e to every accumulator registered for its exact kind.
// Cost is proportional to the interested accumulators only.
func (r *Registry) Update(e events.Event) {
	for _, h := range r.handlers[e.Kind()] {
		h(e)
	}
}

// Results pulls a fresh snapshot from every accumulator.
func (r *Registry) Results() map[string]any {
	out := make(map[string]any, len(r.accumulators))
	for _, a := range r.accumulators {
		out[a.Name()] = a.Result()
	}
	return out
}

// Reset clears every accumulator, starting a fresh measurement interval.
func (r *Registry) Reset() {
	for _, a := range r.accumulators {
		a.Reset()
	}
}

// Accumulators returns the registered accumulators in registration order.
func (r *Registry) Accumulators() []Accumulator {
	return r.accumulators
}
