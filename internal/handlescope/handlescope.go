// Package handlescope bounds the lifetime of engine-heap references held by
// native code. Scopes nest strictly: only the innermost open scope may be
// closed, and closing it frees every root it still owns.
//
// A Stack is confined to the engine thread and does no locking.
package handlescope

import (
	"errors"
	"fmt"

	"github.com/cryguy/napi/internal/core"
)

var (
	ErrScopeMismatch     = errors.New("handlescope: scope is not the innermost open scope")
	ErrNoScope           = errors.New("handlescope: no open handle scope")
	ErrNoEnclosingScope  = errors.New("handlescope: no enclosing scope to escape into")
	ErrEscapeCalledTwice = errors.New("handlescope: escape called twice on an escapable scope")
	ErrRootNotOwned      = errors.New("handlescope: root is not owned by the scope")
	ErrTooDeep           = errors.New("handlescope: maximum scope depth exceeded")
)

// Root is a reference rooted in a scope. It stays valid until its owning
// scope closes, unless it was escaped to the enclosing scope first.
type Root struct {
	v     core.Value
	owner *Scope
}

// Value returns the engine reference, or nil once the root is dead.
func (r *Root) Value() core.Value {
	if r.owner == nil {
		return nil
	}
	return r.v
}

// Alive reports whether the root is still owned by an open scope.
func (r *Root) Alive() bool {
	return r.owner != nil
}

// Scope is one level of the stack.
type Scope struct {
	id        uint64
	depth     int
	escapable bool
	escaped   bool
	closed    bool
	roots     []*Root
}

// ID returns the scope's identifier, unique within its stack.
func (s *Scope) ID() uint64 { return s.id }

// Depth returns the 1-based nesting level of the scope.
func (s *Scope) Depth() int { return s.depth }

// Escapable reports whether the scope was opened with OpenEscapable.
func (s *Scope) Escapable() bool { return s.escapable }

// Len returns the number of roots the scope currently owns.
func (s *Scope) Len() int { return len(s.roots) }

// Stack is the per-engine-thread scope stack.
type Stack struct {
	scopes   []*Scope
	nextID   uint64
	maxDepth int
}

// NewStack creates an empty stack. maxDepth <= 0 means unbounded.
func NewStack(maxDepth int) *Stack {
	return &Stack{maxDepth: maxDepth}
}

// Open pushes a new scope and makes it the innermost one.
func (st *Stack) Open() (*Scope, error) {
	return st.open(false)
}

// OpenEscapable pushes a scope from which one root may be escaped.
func (st *Stack) OpenEscapable() (*Scope, error) {
	return st.open(true)
}

func (st *Stack) open(escapable bool) (*Scope, error) {
	if st.maxDepth > 0 && len(st.scopes) >= st.maxDepth {
		return nil, fmt.Errorf("opening scope at depth %d: %w", len(st.scopes)+1, ErrTooDeep)
	}
	st.nextID++
	sc := &Scope{
		id:        st.nextID,
		depth:     len(st.scopes) + 1,
		escapable: escapable,
	}
	st.scopes = append(st.scopes, sc)
	return sc, nil
}

// Close pops sc, which must be the innermost open scope, and frees every
// root it still owns.
func (st *Stack) Close(sc *Scope) error {
	top := st.Top()
	if sc == nil || sc.closed || top != sc {
		return ErrScopeMismatch
	}
	st.scopes = st.scopes[:len(st.scopes)-1]
	sc.closed = true
	for _, r := range sc.roots {
		r.owner = nil
		r.v.Free()
	}
	sc.roots = nil
	return nil
}

// Track roots v in the innermost scope.
func (st *Stack) Track(v core.Value) (*Root, error) {
	top := st.Top()
	if top == nil {
		return nil, ErrNoScope
	}
	r := &Root{v: v, owner: top}
	top.roots = append(top.roots, r)
	return r, nil
}

// Escape moves r from sc into the enclosing scope so it survives sc's
// close. sc must still be the innermost scope.
func (st *Stack) Escape(sc *Scope, r *Root) (*Root, error) {
	if sc == nil || sc.closed || st.Top() != sc {
		return nil, ErrScopeMismatch
	}
	if r == nil || r.owner != sc {
		return nil, ErrRootNotOwned
	}
	if len(st.scopes) < 2 {
		return nil, ErrNoEnclosingScope
	}
	if sc.escapable {
		if sc.escaped {
			return nil, ErrEscapeCalledTwice
		}
		sc.escaped = true
	}
	parent := st.scopes[len(st.scopes)-2]
	for i, owned := range sc.roots {
		if owned == r {
			sc.roots = append(sc.roots[:i], sc.roots[i+1:]...)
			break
		}
	}
	r.owner = parent
	parent.roots = append(parent.roots, r)
	return r, nil
}

// Top returns the innermost open scope, or nil.
func (st *Stack) Top() *Scope {
	if len(st.scopes) == 0 {
		return nil
	}
	return st.scopes[len(st.scopes)-1]
}

// Depth returns the number of open scopes.
func (st *Stack) Depth() int {
	return len(st.scopes)
}

// CloseAll closes every open scope from the innermost outwards. Used on
// environment teardown. Returns the number of scopes closed.
func (st *Stack) CloseAll() int {
	n := 0
	for top := st.Top(); top != nil; top = st.Top() {
		_ = st.Close(top)
		n++
	}
	return n
}
