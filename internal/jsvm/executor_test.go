// Copyright 2025 James Ross
package jsvm

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	rt, err := NewBasicContext(Options{Limits: DefaultLimits()})
	require.NoError(t, err)

	stop := make(chan struct{})
	v, err := rt.Execute(stop, time.Second, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(`1 + 1`)
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), v.ToInteger())
}

func TestExecuteTimesOutOnInfiniteLoop(t *testing.T) {
	rt, err := NewBasicContext(Options{Limits: DefaultLimits()})
	require.NoError(t, err)

	stop := make(chan struct{})
	_, err = rt.Execute(stop, 50*time.Millisecond, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(`while (true) {}`)
	})
	require.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecuteStopWinsOverWatchdog(t *testing.T) {
	rt, err := NewBasicContext(Options{Limits: DefaultLimits()})
	require.NoError(t, err)

	stop := make(chan struct{})
	close(stop)
	_, err = rt.Execute(stop, time.Hour, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(`while (true) {}`)
	})
	require.ErrorIs(t, err, ErrExecutionStopped)
}

func TestExecuteClearsInterruptForReuse(t *testing.T) {
	rt, err := NewBasicContext(Options{Limits: DefaultLimits()})
	require.NoError(t, err)

	stop := make(chan struct{})
	_, err = rt.Execute(stop, 20*time.Millisecond, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(`while (true) {}`)
	})
	require.ErrorIs(t, err, ErrExecutionTimeout)

	v, err := rt.Execute(stop, time.Second, func(vm *goja.Runtime) (goja.Value, error) {
		return vm.RunString(`40 + 2`)
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), v.ToInteger())
}
