package napi

import (
	"errors"
	"fmt"

	"github.com/cryguy/napi/internal/asynchooks"
)

// AsyncID identifies one asynchronous activity for instrumentation. Ids
// are chosen by the caller and passed through unchanged.
type AsyncID = asynchooks.ID

// AsyncHooks is a set of instrumentation callbacks. Before and After
// bracket every callback scope, Init and Destroy follow async work
// descriptors. All of them run on the engine thread.
type AsyncHooks = asynchooks.Hooks

// HookID identifies a registered hook set.
type HookID = asynchooks.HookID

// AsyncResource is the instrumentation identity of an async work
// descriptor or callback.
type AsyncResource struct {
	Object Value
	ID     AsyncID
}

// CallbackScope is a handle to a callback scope opened with
// OpenCallbackScope.
type CallbackScope struct {
	id    AsyncID
	depth int
}

// AddAsyncHooks registers hooks on env. Safe from any goroutine.
func AddAsyncHooks(env *Env, hooks AsyncHooks) (HookID, Status) {
	if !env.valid() {
		return 0, StatusInvalidArg
	}
	id, err := env.hooks.Add(hooks)
	if err != nil {
		return 0, StatusClosing
	}
	return id, StatusOK
}

// RemoveAsyncHooks unregisters a hook set. Safe from any goroutine.
func RemoveAsyncHooks(env *Env, id HookID) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	if !env.hooks.Remove(id) {
		return StatusInvalidArg
	}
	return StatusOK
}

// RunInCallbackScope fires the Before hooks for id, runs body with id as
// the active async context and fires the After hooks, on every exit path
// including a panic in body. An error from body yields
// StatusGenericFailure.
func RunInCallbackScope(env *Env, resource Value, id AsyncID, body func(*Env) error) Status {
	if !env.valid() || body == nil {
		return StatusInvalidArg
	}
	env.checkThread("RunInCallbackScope")
	err := env.tracker.Run(id, resource, func() error {
		return body(env)
	})
	if err == nil {
		return env.ok()
	}
	if errors.Is(err, asynchooks.ErrScopeMismatch) {
		env.fatal("RunInCallbackScope", err.Error())
	}
	return env.setLastError(StatusGenericFailure, err.Error())
}

// OpenCallbackScope enters the async context of resource without a body
// function. It must be paired with CloseCallbackScope.
func OpenCallbackScope(env *Env, resource AsyncResource) (CallbackScope, Status) {
	if !env.valid() {
		return CallbackScope{}, StatusInvalidArg
	}
	env.checkThread("OpenCallbackScope")
	if err := env.tracker.Enter(resource.ID, resource.Object); err != nil {
		return CallbackScope{}, env.setLastError(StatusGenericFailure, err.Error())
	}
	return CallbackScope{id: resource.ID, depth: env.tracker.Depth()}, env.ok()
}

// CloseCallbackScope leaves scope, which must be the innermost callback
// scope.
func CloseCallbackScope(env *Env, scope CallbackScope) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("CloseCallbackScope")
	if scope.depth == 0 || env.tracker.Depth() != scope.depth {
		return env.setLastError(StatusCallbackScopeMismatch,
			fmt.Sprintf("closing callback scope at depth %d, innermost is %d", scope.depth, env.tracker.Depth()))
	}
	if err := env.tracker.Exit(scope.id); err != nil {
		return env.setLastError(StatusCallbackScopeMismatch, err.Error())
	}
	return env.ok()
}

// ExecutionAsyncID returns the innermost active async context.
func ExecutionAsyncID(env *Env) (AsyncID, bool) {
	if !env.valid() {
		return 0, false
	}
	env.checkThread("ExecutionAsyncID")
	return env.tracker.Current()
}

// InAsyncContext reports whether id is one of the active async contexts.
func InAsyncContext(env *Env, id AsyncID) bool {
	if !env.valid() {
		return false
	}
	env.checkThread("InAsyncContext")
	return env.tracker.Active(id)
}

// CallbackScopeDepth returns the number of active async contexts.
func CallbackScopeDepth(env *Env) int {
	if !env.valid() {
		return 0
	}
	env.checkThread("CallbackScopeDepth")
	return env.tracker.Depth()
}
