package napi

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// PromiseWork is blocking work whose result settles a JS promise created
// with __napi.defer(). It runs on a worker goroutine and must not touch
// the engine. The result is JSON-encoded for the promise.
type PromiseWork func() (any, error)

// QueuePromiseWork runs work on the pool and settles the deferred promise
// deferredID with its result on the engine thread. The deferred id doubles
// as the async id of the work. The work descriptor is deleted once the
// promise is settled.
func QueuePromiseWork(env *Env, resourceName string, deferredID int, work PromiseWork) Status {
	type outcome struct {
		result any
		err    error
	}
	var out outcome

	execute := func(env *Env, data any) {
		out.result, out.err = work()
	}
	var handle AsyncWork
	complete := func(env *Env, status Status, data any) {
		switch status {
		case StatusOK:
			if out.err != nil {
				RejectDeferred(env, deferredID, out.err)
			} else {
				ResolveDeferred(env, deferredID, out.result)
			}
		case StatusCancelled:
			RejectDeferred(env, deferredID, fmt.Errorf("%s: cancelled", resourceName))
		default:
			info, _ := GetLastErrorInfo(env)
			RejectDeferred(env, deferredID, fmt.Errorf("%s: %s %s", resourceName, status, info.Message))
		}
		DeleteAsyncWork(env, handle)
	}

	resource := &AsyncResource{ID: AsyncID(deferredID)}
	h, st := CreateAsyncWork(env, resource, resourceName, execute, complete, nil)
	if st != StatusOK {
		return st
	}
	handle = h
	if st := QueueAsyncWork(env, h); st != StatusOK {
		info := env.lastError
		DeleteAsyncWork(env, h)
		env.lastError = info
		return st
	}
	return StatusOK
}

// ResolveDeferred fulfils the pending promise id with result encoded as
// JSON.
func ResolveDeferred(env *Env, id int, result any) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("ResolveDeferred")
	data, err := json.Marshal(result)
	if err != nil {
		return RejectDeferred(env, id, fmt.Errorf("encoding result: %w", err))
	}
	return env.settle(id, "null", jsString(string(data)))
}

// RejectDeferred rejects the pending promise id with an Error carrying
// err's message.
func RejectDeferred(env *Env, id int, err error) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("RejectDeferred")
	return env.settle(id, jsString(err.Error()), "null")
}

func (e *Env) settle(id int, errJS, resultJS string) Status {
	ok, err := e.rt.EvalBool(fmt.Sprintf("__napi.settle(%d, %s, %s)", id, errJS, resultJS))
	if err != nil {
		e.logger.Warn("settling promise", zap.Int("deferred", id), zap.Error(err))
		return e.setLastError(StatusPendingException, err.Error())
	}
	if !ok {
		return e.setLastError(StatusInvalidArg, fmt.Sprintf("no pending promise %d", id))
	}
	return e.ok()
}

// jsString returns s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
