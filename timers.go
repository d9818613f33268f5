package napi

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// setupTimers registers the Go side of setTimeout/setInterval. Timer
// callbacks re-enter the engine like any other asynchronous event, under
// async id 0. Timers cannot be armed once Close has begun.
func (e *Env) setupTimers() error {
	if err := e.rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		// A closing env drains outstanding completions only; a timer armed
		// now would keep that drain alive forever.
		if e.closing() {
			return 0
		}
		if delayMs < 0 {
			delayMs = 0
		}
		var id int
		id = e.loop.SetTimer(time.Duration(delayMs)*time.Millisecond, isInterval, func() {
			e.fireTimer(id)
		})
		return id
	}); err != nil {
		return err
	}
	return e.rt.RegisterFunc("__timerClear", func(id int) {
		e.loop.ClearTimer(id)
	})
}

func (e *Env) fireTimer(id int) {
	e.makeCallback("timer", 0, Value{}, func() {
		if err := e.rt.Eval(fmt.Sprintf("__timerFire(%d)", id)); err != nil {
			e.logger.Warn("uncaught exception in timer callback", zap.Int("timer", id), zap.Error(err))
		}
	})
}
