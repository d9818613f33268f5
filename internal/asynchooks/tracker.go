package asynchooks

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeMismatch is returned when Exit does not match the innermost
	// Enter.
	ErrScopeMismatch = errors.New("asynchooks: callback scope mismatch")
	// ErrTooDeep is returned when nesting exceeds the tracker's limit.
	ErrTooDeep = errors.New("asynchooks: maximum callback scope depth exceeded")
)

type frame struct {
	id       ID
	resource any
}

// Tracker records the stack of currently executing async contexts.
// It must only be used from the engine thread.
type Tracker struct {
	reg      *Registry
	stack    []frame
	maxDepth int
}

// NewTracker creates a tracker that reports to reg. maxDepth <= 0 means
// unbounded.
func NewTracker(reg *Registry, maxDepth int) *Tracker {
	return &Tracker{reg: reg, maxDepth: maxDepth}
}

// Enter fires Before for id and then marks id as the active context.
func (t *Tracker) Enter(id ID, resource any) error {
	if t.maxDepth > 0 && len(t.stack) >= t.maxDepth {
		return fmt.Errorf("entering async context %d: %w", id, ErrTooDeep)
	}
	t.reg.EmitBefore(id)
	t.stack = append(t.stack, frame{id: id, resource: resource})
	return nil
}

// Exit marks id as no longer active and then fires After for it. id must
// be the innermost active context.
func (t *Tracker) Exit(id ID) error {
	n := len(t.stack)
	if n == 0 {
		return fmt.Errorf("exiting async context %d with no active context: %w", id, ErrScopeMismatch)
	}
	if top := t.stack[n-1].id; top != id {
		return fmt.Errorf("exiting async context %d while %d is innermost: %w", id, top, ErrScopeMismatch)
	}
	t.stack = t.stack[:n-1]
	t.reg.EmitAfter(id)
	return nil
}

// Run enters id, invokes body and exits id on every path, including a
// panic in body. The body's error is returned unless exiting fails.
func (t *Tracker) Run(id ID, resource any, body func() error) (err error) {
	if err := t.Enter(id, resource); err != nil {
		return err
	}
	defer func() {
		if exitErr := t.Exit(id); exitErr != nil && err == nil {
			err = exitErr
		}
	}()
	return body()
}

// Current returns the innermost active context.
func (t *Tracker) Current() (ID, bool) {
	if len(t.stack) == 0 {
		return 0, false
	}
	return t.stack[len(t.stack)-1].id, true
}

// Resource returns the resource of the innermost active context.
func (t *Tracker) Resource() any {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1].resource
}

// Active reports whether id is on the stack of active contexts.
func (t *Tracker) Active(id ID) bool {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i].id == id {
			return true
		}
	}
	return false
}

// Depth returns the number of active contexts.
func (t *Tracker) Depth() int {
	return len(t.stack)
}
