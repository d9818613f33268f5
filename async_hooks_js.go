package napi

import (
	"fmt"

	"go.uber.org/zap"
)

// setupJSAsyncHooks backs the built-in asyncHooks module. Each enabled JS
// hook becomes a Go hook set that forwards events to __asyncHooksEmit.
func (e *Env) setupJSAsyncHooks() error {
	if err := e.rt.RegisterFunc("__asyncHooksAdd", func(jsID int) (bool, error) {
		id, err := e.hooks.Add(e.jsHookForwarder(jsID))
		if err != nil {
			return false, err
		}
		e.jsHookIDs[jsID] = id
		return true, nil
	}); err != nil {
		return err
	}
	if err := e.rt.RegisterFunc("__asyncHooksRemove", func(jsID int) bool {
		id, ok := e.jsHookIDs[jsID]
		if !ok {
			return false
		}
		delete(e.jsHookIDs, jsID)
		return e.hooks.Remove(id)
	}); err != nil {
		return err
	}
	return e.rt.RegisterFunc("__executionAsyncId", func() int {
		id, _ := e.tracker.Current()
		return int(id)
	})
}

func (e *Env) jsHookForwarder(jsID int) AsyncHooks {
	emit := func(event string, id AsyncID, name string) {
		js := fmt.Sprintf("__asyncHooksEmit(%d, %q, %d, %s)", jsID, event, uint64(id), jsString(name))
		if err := e.rt.Eval(js); err != nil {
			e.logger.Warn("uncaught exception in async hook",
				zap.String("event", event),
				zap.Uint64("async_id", uint64(id)),
				zap.Error(err))
		}
	}
	return AsyncHooks{
		Init:    func(id AsyncID, name string) { emit("init", id, name) },
		Before:  func(id AsyncID) { emit("before", id, "") },
		After:   func(id AsyncID) { emit("after", id, "") },
		Destroy: func(id AsyncID) { emit("destroy", id, "") },
	}
}
