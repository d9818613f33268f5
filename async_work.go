package napi

import (
	"errors"

	"go.uber.org/zap"

	"github.com/cryguy/napi/internal/asynchooks"
	"github.com/cryguy/napi/internal/handles"
	"github.com/cryguy/napi/internal/threadpool"
)

// ExecuteFunc runs on a worker goroutine. It must not touch the engine or
// any Value.
type ExecuteFunc func(env *Env, data any)

// CompleteFunc runs on the engine thread once execute has finished or the
// work was cancelled. status is StatusOK, StatusCancelled or
// StatusGenericFailure.
type CompleteFunc func(env *Env, status Status, data any)

// AsyncWork is a handle to an async work descriptor. The zero value is
// never valid, and a handle stops resolving once its work is deleted.
type AsyncWork struct {
	h handles.Handle
}

// IsZero reports whether w is the zero handle.
func (w AsyncWork) IsZero() bool { return w.h == 0 }

type workState uint8

const (
	workCreated workState = iota
	workQueued
	workCompleted
)

type asyncWork struct {
	env          *Env
	resource     AsyncResource
	resourceName string
	execute      ExecuteFunc
	complete     CompleteFunc
	data         any
	req          *threadpool.Request
	state        workState
}

// CreateAsyncWork allocates a work descriptor. Nothing is scheduled until
// QueueAsyncWork. resource may be nil, in which case callbacks run under
// async id 0; resourceName is used for instrumentation only.
func CreateAsyncWork(env *Env, resource *AsyncResource, resourceName string,
	execute ExecuteFunc, complete CompleteFunc, data any) (AsyncWork, Status) {
	if !env.valid() {
		return AsyncWork{}, StatusInvalidArg
	}
	env.checkThread("CreateAsyncWork")
	if execute == nil || complete == nil {
		return AsyncWork{}, env.setLastError(StatusInvalidArg, "execute and complete callbacks are required")
	}
	if env.closing() {
		return AsyncWork{}, env.setLastError(StatusClosing, "")
	}

	w := &asyncWork{
		env:          env,
		resourceName: resourceName,
		execute:      execute,
		complete:     complete,
		data:         data,
		state:        workCreated,
	}
	if resource != nil {
		w.resource = *resource
	}
	w.req = threadpool.NewRequest(w.onWorker, w.onLoop)
	h := env.works.Insert(w)

	env.hooks.EmitInit(w.resource.ID, resourceName)
	return AsyncWork{h: h}, env.ok()
}

// DeleteAsyncWork releases a descriptor. It fails with StatusInvalidArg
// while the work is queued or executing; delete from the complete callback
// or before queueing.
func DeleteAsyncWork(env *Env, work AsyncWork) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("DeleteAsyncWork")
	w, st := env.lookupWork(work)
	if st != StatusOK {
		return st
	}
	if w.state == workQueued {
		return env.setLastError(StatusInvalidArg, "async work is "+w.req.Phase().String())
	}
	if _, err := env.works.Remove(work.h); err != nil {
		return env.setLastError(StatusInvalidArg, err.Error())
	}
	env.hooks.EmitDestroy(w.resource.ID)
	w.data = nil
	w.resource = AsyncResource{}
	return env.ok()
}

// QueueAsyncWork schedules execute on the worker pool. A descriptor can be
// queued again once its complete callback has run. Scheduler rejections
// return StatusGenericFailure with the scheduler error name available from
// GetLastErrorInfo; complete is not called for them.
func QueueAsyncWork(env *Env, work AsyncWork) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("QueueAsyncWork")
	w, st := env.lookupWork(work)
	if st != StatusOK {
		return st
	}
	if w.state == workQueued {
		return env.setLastError(StatusInvalidArg, "async work is already queued")
	}
	if err := env.pool.Queue(w.req); err != nil {
		name := threadpool.ErrorName(err)
		env.logger.Debug("queue async work failed",
			zap.String("resource", w.resourceName),
			zap.Uint64("async_id", uint64(w.resource.ID)),
			zap.Error(err))
		if errors.Is(err, threadpool.ErrInvalid) {
			return env.setLastError(StatusInvalidArg, name)
		}
		return env.setLastError(StatusGenericFailure, name)
	}
	w.state = workQueued
	return env.ok()
}

// CancelAsyncWork withdraws queued work that no worker has started. The
// complete callback still runs later, with StatusCancelled. Work that is
// executing, finished or never queued yields StatusGenericFailure with
// error name "EBUSY".
func CancelAsyncWork(env *Env, work AsyncWork) Status {
	if !env.valid() {
		return StatusInvalidArg
	}
	env.checkThread("CancelAsyncWork")
	w, st := env.lookupWork(work)
	if st != StatusOK {
		return st
	}
	if err := env.pool.Cancel(w.req); err != nil {
		env.logger.Debug("cancel async work failed",
			zap.String("resource", w.resourceName),
			zap.Uint64("async_id", uint64(w.resource.ID)),
			zap.Error(err))
		return env.setLastError(StatusGenericFailure, threadpool.ErrorName(err))
	}
	return env.ok()
}

func (e *Env) lookupWork(work AsyncWork) (*asyncWork, Status) {
	w, err := e.works.Get(work.h)
	if err != nil {
		return nil, e.setLastError(StatusInvalidArg, err.Error())
	}
	return w, StatusOK
}

// onWorker runs on a pool goroutine.
func (w *asyncWork) onWorker() {
	w.execute(w.env, w.data)
}

// onLoop runs on the engine thread with the request's outcome.
func (w *asyncWork) onLoop(err error) {
	env := w.env
	var pe *threadpool.PanicError
	if errors.As(err, &pe) {
		// Engine access from execute is a confinement violation, not a
		// failure of the work.
		if fe, ok := pe.Value.(*FatalError); ok {
			env.fatal(fe.Location, fe.Message+" (execute of "+w.resourceName+")")
		}
	}
	status := statusFromError(err)
	if status == StatusGenericFailure {
		env.logger.Warn("async work failed",
			zap.String("resource", w.resourceName),
			zap.Uint64("async_id", uint64(w.resource.ID)),
			zap.Error(err))
	}
	w.state = workCompleted
	env.makeCallback("async work complete", w.resource.ID, w.resource.Object, func() {
		if status == StatusOK {
			env.ok()
		} else {
			env.setLastError(status, threadpool.ErrorName(err))
		}
		w.complete(env, status, w.data)
	})
}

// statusFromError maps a scheduler outcome onto the status given to
// complete callbacks.
func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, threadpool.ErrCanceled):
		return StatusCancelled
	default:
		return StatusGenericFailure
	}
}

// makeCallback re-enters the engine on behalf of an asynchronous event:
// it opens a handle scope, runs body inside the callback scope of id,
// drains the microtask queue and closes the handle scope.
func (e *Env) makeCallback(location string, id AsyncID, resource Value, body func()) {
	scope, err := e.scopes.Open()
	if err != nil {
		e.fatal(location, err.Error())
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		// body panicked; release the scope so the stack stays consistent.
		if err := e.scopes.Close(scope); err != nil {
			e.logger.Error("closing handle scope after panic", zap.String("location", location), zap.Error(err))
		}
	}()

	err = e.tracker.Run(asynchooks.ID(id), resource, func() error {
		body()
		return nil
	})
	if err != nil {
		e.fatal(location, err.Error())
	}
	e.rt.RunMicrotasks()

	closed = true
	if err := e.scopes.Close(scope); err != nil {
		e.fatal(location, "handle scope left open by callback: "+err.Error())
	}
}
