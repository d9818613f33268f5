// Package asynchooks tracks which asynchronous context is currently
// executing and reports enter/exit boundaries to registered hooks.
//
// The Registry holds the hook sets for one environment. The Tracker keeps
// an explicit stack of active contexts on the engine thread and fires
// Before/After symmetrically around every boundary crossing.
package asynchooks

import (
	"errors"
	"sync"
)

// ErrClosed is returned when registering hooks on a torn-down registry.
var ErrClosed = errors.New("asynchooks: registry is closed")

// ID identifies one logical asynchronous activity. Ids are supplied by the
// caller; this package never generates them.
type ID uint64

// Hooks is one set of instrumentation callbacks. Nil members are skipped.
type Hooks struct {
	Init    func(id ID, resourceName string)
	Before  func(id ID)
	After   func(id ID)
	Destroy func(id ID)
}

// HookID identifies a registered hook set.
type HookID uint64

type entry struct {
	id    HookID
	hooks Hooks
}

// Registry is the set of hooks owned by one environment. Registration is
// safe from any goroutine; hooks are invoked on the goroutine that emits.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	nextID  HookID
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers h and returns its id. Hooks fire in registration order.
func (r *Registry) Add(h Hooks) (HookID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	r.nextID++
	r.entries = append(r.entries, entry{id: r.nextID, hooks: h})
	return r.nextID, nil
}

// Remove unregisters a hook set. It reports whether id was registered.
func (r *Registry) Remove(id HookID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered hook sets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close drops every hook set and rejects further registration.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.closed = true
}

// snapshot copies the hook list so hooks can register or remove hooks
// while being invoked.
func (r *Registry) snapshot() []Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil
	}
	hs := make([]Hooks, len(r.entries))
	for i, e := range r.entries {
		hs[i] = e.hooks
	}
	return hs
}

// EmitInit reports that a resource with the given id was created.
func (r *Registry) EmitInit(id ID, resourceName string) {
	for _, h := range r.snapshot() {
		if h.Init != nil {
			h.Init(id, resourceName)
		}
	}
}

// EmitBefore reports entry into the callback of id.
func (r *Registry) EmitBefore(id ID) {
	for _, h := range r.snapshot() {
		if h.Before != nil {
			h.Before(id)
		}
	}
}

// EmitAfter reports exit from the callback of id.
func (r *Registry) EmitAfter(id ID) {
	for _, h := range r.snapshot() {
		if h.After != nil {
			h.After(id)
		}
	}
}

// EmitDestroy reports that the resource with the given id was released.
func (r *Registry) EmitDestroy(id ID) {
	for _, h := range r.snapshot() {
		if h.Destroy != nil {
			h.Destroy(id)
		}
	}
}
