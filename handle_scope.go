package napi

import (
	"errors"

	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/handles"
	"github.com/cryguy/napi/internal/handlescope"
)

// Value is an engine value rooted in a handle scope. It stays usable until
// that scope closes, unless it was escaped to the enclosing scope.
type Value struct {
	root *handlescope.Root
}

// Alive reports whether the value is still rooted.
func (v Value) Alive() bool {
	return v.root != nil && v.root.Alive()
}

// Ref returns the engine reference, or nil for a dead or zero Value.
func (v Value) Ref() core.Value {
	if v.root == nil {
		return nil
	}
	return v.root.Value()
}

// HandleScope is a handle to an open handle scope.
type HandleScope struct {
	h handles.Handle
}

// EscapableHandleScope is a handle scope from which one value may be
// escaped to the enclosing scope.
type EscapableHandleScope struct {
	h handles.Handle
}

// OpenHandleScope pushes a new innermost handle scope.
func OpenHandleScope(env *Env) (HandleScope, Status) {
	h, st := env.openScope("OpenHandleScope", false)
	return HandleScope{h: h}, st
}

// OpenEscapableHandleScope pushes a new innermost escapable handle scope.
func OpenEscapableHandleScope(env *Env) (EscapableHandleScope, Status) {
	h, st := env.openScope("OpenEscapableHandleScope", true)
	return EscapableHandleScope{h: h}, st
}

// CloseHandleScope pops scope, which must be the innermost open scope.
// Values rooted in it die.
func CloseHandleScope(env *Env, scope HandleScope) Status {
	return env.closeScope("CloseHandleScope", scope.h)
}

// CloseEscapableHandleScope pops an escapable scope.
func CloseEscapableHandleScope(env *Env, scope EscapableHandleScope) Status {
	return env.closeScope("CloseEscapableHandleScope", scope.h)
}

// EscapeHandleScope promotes value from scope to the enclosing scope and
// returns it. scope must be the innermost scope and may escape only once.
func EscapeHandleScope(env *Env, scope EscapableHandleScope, value Value) (Value, Status) {
	if !env.valid() {
		return Value{}, StatusInvalidArg
	}
	env.checkThread("EscapeHandleScope")
	sc, err := env.scopeTable.Get(scope.h)
	if err != nil {
		return Value{}, env.setLastError(StatusInvalidArg, err.Error())
	}
	root, err := env.scopes.Escape(sc, value.root)
	switch {
	case err == nil:
		return Value{root: root}, env.ok()
	case errors.Is(err, handlescope.ErrEscapeCalledTwice):
		return Value{}, env.setLastError(StatusEscapeCalledTwice, err.Error())
	case errors.Is(err, handlescope.ErrScopeMismatch):
		return Value{}, env.setLastError(StatusHandleScopeMismatch, err.Error())
	default:
		return Value{}, env.setLastError(StatusInvalidArg, err.Error())
	}
}

// HandleScopeDepth returns the number of open handle scopes.
func HandleScopeDepth(env *Env) (int, Status) {
	if !env.valid() {
		return 0, StatusInvalidArg
	}
	env.checkThread("HandleScopeDepth")
	return env.scopes.Depth(), env.ok()
}

// RunScript evaluates src and roots the result in the innermost handle
// scope. A thrown exception yields StatusPendingException with the
// exception message in GetLastErrorInfo.
func RunScript(env *Env, src string) (Value, Status) {
	if !env.valid() {
		return Value{}, StatusInvalidArg
	}
	env.checkThread("RunScript")
	if env.scopes.Depth() == 0 {
		return Value{}, env.setLastError(StatusInvalidArg, handlescope.ErrNoScope.Error())
	}
	v, err := env.rt.EvalValue(src)
	if err != nil {
		return Value{}, env.setLastError(StatusPendingException, err.Error())
	}
	root, err := env.scopes.Track(v)
	if err != nil {
		v.Free()
		return Value{}, env.setLastError(StatusInvalidArg, err.Error())
	}
	return Value{root: root}, env.ok()
}

func (e *Env) openScope(location string, escapable bool) (handles.Handle, Status) {
	if !e.valid() {
		return 0, StatusInvalidArg
	}
	e.checkThread(location)
	var (
		sc  *handlescope.Scope
		err error
	)
	if escapable {
		sc, err = e.scopes.OpenEscapable()
	} else {
		sc, err = e.scopes.Open()
	}
	if err != nil {
		return 0, e.setLastError(StatusGenericFailure, err.Error())
	}
	return e.scopeTable.Insert(sc), e.ok()
}

func (e *Env) closeScope(location string, h handles.Handle) Status {
	if !e.valid() {
		return StatusInvalidArg
	}
	e.checkThread(location)
	sc, err := e.scopeTable.Get(h)
	if err != nil {
		return e.setLastError(StatusInvalidArg, err.Error())
	}
	if err := e.scopes.Close(sc); err != nil {
		return e.setLastError(StatusHandleScopeMismatch, err.Error())
	}
	_, _ = e.scopeTable.Remove(h)
	return e.ok()
}
