// Copyright 2025 James Ross
package jsvm

import (
	"errors"
	"time"

	"github.com/dop251/goja"
)

var (
	// ErrExecutionTimeout is returned when the watchdog interrupted the VM
	// before evaluation finished.
	ErrExecutionTimeout = errors.New("jsvm: execution timed out")
	// ErrExecutionStopped is returned when the caller's stop channel fired
	// before evaluation finished.
	ErrExecutionStopped = errors.New("jsvm: execution stopped")
)

// Execute runs fn against rt.VM under a watchdog armed at rt.Limits.Timeout
// (or the supplied timeout if non-zero), pairing goja's Interrupt with a
// biased select against stop so an external cancellation always wins ties
// against the watchdog firing at the same instant.
//
// Execute holds rt's execution lock for its whole duration, so concurrent
// callers (the main eval path and any number of timer callback goroutines)
// are serialized onto the VM one at a time rather than racing each other —
// goja.Runtime is not safe for concurrent entry from more than one goroutine.
//
// The watchdog only interrupts cooperative VM bytecode execution — any host
// function injected into the VM that can block must bound itself, since the
// watchdog cannot preempt a call already inside Go code.
func (rt *Runtime) Execute(stop <-chan struct{}, timeout time.Duration, fn func(vm *goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	rt.execMu.Lock()
	defer rt.execMu.Unlock()

	if timeout <= 0 {
		timeout = rt.Limits.Timeout
	}

	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	done := make(chan struct{})
	var (
		result goja.Value
		runErr error
	)
	go func() {
		defer close(done)
		result, runErr = fn(rt.VM)
	}()

	select {
	case <-stop:
		rt.VM.Interrupt(ErrExecutionStopped)
		<-done
		return nil, ErrExecutionStopped
	default:
	}

	select {
	case <-stop:
		rt.VM.Interrupt(ErrExecutionStopped)
		<-done
		return nil, ErrExecutionStopped
	case <-watchdog.C:
		rt.VM.Interrupt(ErrExecutionTimeout)
		<-done
		return rt.translateAfterInterrupt(runErr)
	case <-done:
		return result, runErr
	}
}

// translateAfterInterrupt inspects runErr after the watchdog fired. The
// order matters: the interrupted flag must be read and the runtime's
// interrupt state cleared before anything else touches the VM, otherwise a
// stale interrupt could leak into the next evaluation on a reused runtime.
func (rt *Runtime) translateAfterInterrupt(runErr error) (goja.Value, error) {
	var interrupted *goja.InterruptedError
	wasInterrupted := errors.As(runErr, &interrupted)
	rt.VM.ClearInterrupt()
	if wasInterrupted {
		return nil, ErrExecutionTimeout
	}
	if runErr != nil {
		return nil, runErr
	}
	return nil, ErrExecutionTimeout
}
