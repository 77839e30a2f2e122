// Copyright 2025 James Ross
package capability

import (
	"time"

	"github.com/dop251/goja"
)

// TimerRegistry is the narrow surface InjectTimer needs from
// internal/timeradmit.
type TimerRegistry interface {
	Acquire() (TimerHandle, error)
	Register(h TimerHandle) bool
	Cancel(id uint64)
	Release(id uint64)
	ClampDelay(delay time.Duration, isInterval bool) time.Duration
}

// TimerHandle is the narrow surface a registered timer exposes back.
type TimerHandle interface {
	HandleID() uint64
	IsCancelled() bool
}

// InjectTimer installs setTimeout/clearTimeout/setInterval/clearInterval.
// Every timer task runs on its own goroutine; the watchdog cannot interrupt
// it, so callback execution itself still goes through the owning Runtime's
// Execute to stay bounded.
func InjectTimer(vm *goja.Runtime, registry TimerRegistry, run func(cb goja.Callable)) error {
	schedule := func(isInterval bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			cbVal := call.Argument(0)
			cb, ok := goja.AssertFunction(cbVal)
			if !ok {
				panic(vm.NewTypeError("timer callback must be a function"))
			}
			delayMs := call.Argument(1).ToInteger()
			delay := registry.ClampDelay(time.Duration(delayMs)*time.Millisecond, isInterval)

			h, err := registry.Acquire()
			if err != nil {
				panic(vm.NewGoError(err))
			}
			if !registry.Register(h) {
				return vm.ToValue(h.HandleID())
			}

			go func() {
				if isInterval {
					ticker := time.NewTicker(delay)
					defer ticker.Stop()
					for range ticker.C {
						if h.IsCancelled() {
							return
						}
						run(cb)
					}
				} else {
					<-time.After(delay)
					if !h.IsCancelled() {
						run(cb)
					}
					registry.Release(h.HandleID())
				}
			}()

			return vm.ToValue(h.HandleID())
		}
	}

	if err := vm.Set("setTimeout", schedule(false)); err != nil {
		return err
	}
	if err := vm.Set("setInterval", schedule(true)); err != nil {
		return err
	}

	clear := func(call goja.FunctionCall) goja.Value {
		id := uint64(call.Argument(0).ToInteger())
		registry.Cancel(id)
		return goja.Undefined()
	}
	if err := vm.Set("clearTimeout", clear); err != nil {
		return err
	}
	return vm.Set("clearInterval", clear)
}
