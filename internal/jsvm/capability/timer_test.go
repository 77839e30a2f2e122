// Copyright 2025 James Ross
package capability

import (
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id        uint64
	cancelled bool
}

func (h *fakeHandle) HandleID() uint64   { return h.id }
func (h *fakeHandle) IsCancelled() bool  { return h.cancelled }

type fakeTimerRegistry struct {
	mu      sync.Mutex
	next    uint64
	exhaust bool
}

func (f *fakeTimerRegistry) Acquire() (TimerHandle, error) {
	if f.exhaust {
		return nil, errExhausted
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &fakeHandle{id: f.next}, nil
}

func (f *fakeTimerRegistry) Register(h TimerHandle) bool      { return true }
func (f *fakeTimerRegistry) Cancel(id uint64)                 {}
func (f *fakeTimerRegistry) Release(id uint64)                {}
func (f *fakeTimerRegistry) ClampDelay(d time.Duration, isInterval bool) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var errExhausted = errExhaustedType{}

type errExhaustedType struct{}

func (errExhaustedType) Error() string { return "exhausted" }

func TestSetTimeoutFiresCallback(t *testing.T) {
	vm := goja.New()
	registry := &fakeTimerRegistry{}
	fired := make(chan struct{}, 1)

	run := func(cb goja.Callable) {
		_, _ = cb(goja.Undefined())
		fired <- struct{}{}
	}
	require.NoError(t, InjectTimer(vm, registry, run))

	_, err := vm.RunString(`
		globalThis.called = false;
		setTimeout(function() { globalThis.called = true; }, 1);
	`)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSetTimeoutRejectsNonFunctionCallback(t *testing.T) {
	vm := goja.New()
	registry := &fakeTimerRegistry{}
	require.NoError(t, InjectTimer(vm, registry, func(goja.Callable) {}))

	_, err := vm.RunString(`setTimeout("not a function", 10)`)
	require.Error(t, err)
}

func TestSetTimeoutPropagatesAcquireError(t *testing.T) {
	vm := goja.New()
	registry := &fakeTimerRegistry{exhaust: true}
	require.NoError(t, InjectTimer(vm, registry, func(goja.Callable) {}))

	_, err := vm.RunString(`setTimeout(function(){}, 10)`)
	require.Error(t, err)
}

func TestClearTimeoutDoesNotThrow(t *testing.T) {
	vm := goja.New()
	registry := &fakeTimerRegistry{}
	require.NoError(t, InjectTimer(vm, registry, func(goja.Callable) {}))

	_, err := vm.RunString(`
		var id = setTimeout(function(){}, 1000);
		clearTimeout(id);
	`)
	require.NoError(t, err)
}
