// Copyright 2025 James Ross
// Package jsvm wraps an embedded single-threaded JS VM (goja) with
// mandatory resource limits, lockdown of dangerous globals, and a
// watchdog-preemptible executor.
package jsvm

import (
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var (
	ErrLockdownFailed = errors.New("jsvm: sandbox lockdown failed, context creation aborted")
)

// Limits bounds a single plugin VM instance.
type Limits struct {
	MemoryBytes int64
	StackBytes  int64
	Timeout     time.Duration
}

// DefaultLimits matches the specification's mandatory ceilings: 16MiB
// memory, 512KiB stack, 30s wall-clock timeout.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 16 * 1024 * 1024,
		StackBytes:  512 * 1024,
		Timeout:     30 * time.Second,
	}
}

// Runtime is one VM instance, single-threaded within itself; concurrency
// across plugins comes from running multiple Runtimes in parallel goroutines.
// execMu serializes every entry into VM — the main Execute call and any
// timer callback invocation alike — since goja.Runtime is not safe for
// concurrent use from more than one goroutine at a time.
type Runtime struct {
	VM     *goja.Runtime
	Limits Limits
	execMu sync.Mutex
}

func newBareRuntime(limits Limits) *Runtime {
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = DefaultLimits().MemoryBytes
	}
	if limits.StackBytes <= 0 {
		limits.StackBytes = DefaultLimits().StackBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits().Timeout
	}
	vm := goja.New()
	vm.SetMemoryLimit(int(limits.MemoryBytes))
	// goja's call-stack bound is expressed in frames, not bytes; derive a
	// conservative per-frame budget from the configured stack byte limit.
	const bytesPerFrame = 256
	frames := int(limits.StackBytes / bytesPerFrame)
	if frames < 64 {
		frames = 64
	}
	vm.SetMaxCallStackSize(frames)
	return &Runtime{VM: vm, Limits: limits}
}

// Options configures the base capabilities every context gets, before any
// permission-gated extras.
type Options struct {
	Limits   Limits
	Logger   *zap.Logger
	PluginID string
}

// NewBasicContext creates a VM with lockdown always applied, and injects
// console/encoding/error. No fetch or timer surface is available.
func NewBasicContext(opts Options) (*Runtime, error) {
	rt := newBareRuntime(opts.Limits)
	if err := injectBase(rt.VM, opts.Logger, opts.PluginID); err != nil {
		return nil, err
	}
	if err := applyLockdown(rt.VM); err != nil {
		return nil, err
	}
	return rt, nil
}

// InjectFunc is called after base injection and before lockdown, letting
// callers add capability-specific globals (fetch, timer, context) that
// depend on permission state. It receives the owning Runtime, not just its
// VM, so injectors whose callbacks run off the main goroutine (timers) can
// route every callback invocation back through Runtime.Execute.
type InjectFunc func(rt *Runtime) error

// NewPermissionedContext creates a VM with lockdown applied, injecting
// console/encoding/error plus whatever extra injectors the caller supplies
// (fetch and/or timer, gated on the plugin's declared permissions).
func NewPermissionedContext(opts Options, extra ...InjectFunc) (*Runtime, error) {
	rt := newBareRuntime(opts.Limits)
	if err := injectBase(rt.VM, opts.Logger, opts.PluginID); err != nil {
		return nil, err
	}
	for _, fn := range extra {
		if fn == nil {
			continue
		}
		if err := fn(rt); err != nil {
			return nil, err
		}
	}
	if err := applyLockdown(rt.VM); err != nil {
		return nil, err
	}
	return rt, nil
}

// NewRawContext creates a VM with no lockdown applied at all.
//
// Deprecated: exists only so sandbox-escape tests can exercise what an
// unlocked context looks like; production code must always go through
// NewBasicContext or NewPermissionedContext.
func NewRawContext(opts Options) *Runtime {
	rt := newBareRuntime(opts.Limits)
	_ = injectBase(rt.VM, opts.Logger, opts.PluginID)
	return rt
}
