// Package dispatch implements the scope dispatcher: the map from scope to
// the sinks registered under it, with super-scope lookup and lazy pruning
// of sinks the owning connector has released.
package dispatch

import (
	"sync"
	"weak"

	"github.com/rsbio/spreadbus"
)

// Sink is the in-bus view of a subscriber.
type Sink interface {
	OnNotification(notification spreadbus.Notification)
	OnError(err error)
}

// Handle is the strong reference a connector must retain for as long as it
// wants dispatch callbacks to reach its Sink. The Dispatcher only ever
// holds a weak.Pointer to the Handle; once the connector drops its last
// strong reference, the entry is collected and pruned lazily on the next
// dispatch through that scope.
type Handle struct {
	sink Sink
}

// NewHandle wraps sink in a Handle for registration with a Dispatcher.
func NewHandle(sink Sink) *Handle {
	return &Handle{sink: sink}
}

type entry struct {
	ref weak.Pointer[Handle]
}

// Dispatcher maps Scope to registered sinks, supporting prefix ("super-
// scope") lookup in registration order.
type Dispatcher struct {
	mu      sync.Mutex
	byScope map[spreadbus.Scope][]entry
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{byScope: make(map[spreadbus.Scope][]entry)}
}

// Add registers handle under scope, in insertion order relative to other
// entries already registered at the same scope.
func (d *Dispatcher) Add(scope spreadbus.Scope, handle *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byScope[scope] = append(d.byScope[scope], entry{ref: weak.Make(handle)})
}

// Remove unregisters handle from scope. A no-op if handle was never
// registered there (or has already been pruned).
func (d *Dispatcher) Remove(scope spreadbus.Scope, handle *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.byScope[scope]
	for i, e := range entries {
		if e.ref.Value() == handle {
			d.byScope[scope] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(d.byScope[scope]) == 0 {
		delete(d.byScope, scope)
	}
}

// ForEachUnder calls f on every live sink registered at a scope that is a
// super-scope of scope (inclusive), visiting super-scopes root-first and
// entries within a scope in registration order. Dead entries (their
// connector has released the Handle) are pruned as they're encountered.
func (d *Dispatcher) ForEachUnder(scope spreadbus.Scope, f func(Sink)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range scope.SuperScopes(true) {
		entries, ok := d.byScope[s]
		if !ok {
			continue
		}
		live := entries[:0]
		var sinks []Sink
		for _, e := range entries {
			h := e.ref.Value()
			if h == nil {
				continue
			}
			live = append(live, e)
			sinks = append(sinks, h.sink)
		}
		if len(live) == 0 {
			delete(d.byScope, s)
		} else {
			d.byScope[s] = live
		}
		for _, sink := range sinks {
			f(sink)
		}
	}
}

// ForEachAll calls f on every live sink regardless of scope, used to
// broadcast a connection-level error to every registered subscriber.
// Dead entries are pruned as encountered.
func (d *Dispatcher) ForEachAll(f func(Sink)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s, entries := range d.byScope {
		live := entries[:0]
		var sinks []Sink
		for _, e := range entries {
			h := e.ref.Value()
			if h == nil {
				continue
			}
			live = append(live, e)
			sinks = append(sinks, h.sink)
		}
		if len(live) == 0 {
			delete(d.byScope, s)
		} else {
			d.byScope[s] = live
		}
		for _, sink := range sinks {
			f(sink)
		}
	}
}
