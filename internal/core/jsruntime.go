package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind a
// common interface used by the async work subsystem, the built-in JS
// modules and the addons.
//
// Every method must be called on the engine thread.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalValue evaluates JavaScript source and returns an owned reference
	// to the result. The caller must Free it, usually by rooting it in a
	// handle scope.
	EvalValue(js string) (Value, error)

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws a TypeError instead of
	// returning an array.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks()

	// Close disposes the engine instance.
	Close()
}

// Value is an engine-heap reference held by native code. The collector
// treats it as a root until Free is called.
type Value interface {
	Free()
}
