// Copyright 2025 James Ross
// Package timeradmit implements host-wide admission control for plugin
// setTimeout/setInterval: a bounded semaphore of permits plus a pending-map
// race resolution so a "create then immediately cancel" sequence actually
// cancels rather than leaking a running timer.
package timeradmit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// MaxPermits bounds the number of live timers/intervals across the
	// entire host, independent of which plugin created them.
	MaxPermits = 100

	minTimeoutDelay  = 0 * time.Millisecond
	minIntervalDelay = 10 * time.Millisecond
	maxDelay         = 60 * time.Second
)

var (
	// ErrExhausted is thrown into JS as a RangeError when no permit is free.
	ErrExhausted = errors.New("timeradmit: permit pool exhausted")
)

// ClampDelay enforces the [min, 60000ms] window from the spec: timers clamp
// to 0 at the low end, intervals to 10ms, both capped at 60s.
func ClampDelay(delay time.Duration, isInterval bool) time.Duration {
	min := minTimeoutDelay
	if isInterval {
		min = minIntervalDelay
	}
	if delay < min {
		return min
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Registry owns the semaphore and the pending-map used to resolve the
// create/cancel race. Registration and cancellation both take registryMu
// first, then consult pending under it — so at most one side of the race
// wins, and the other simply observes nothing to do.
type Registry struct {
	sem *semaphore.Weighted

	registryMu sync.Mutex
	pending    map[uint64]*Handle
	active     map[uint64]*Handle
	nextID     uint64
}

// Handle is the token returned by Acquire: an id, the held permit, and a
// cancellation flag consulted by both Register and Cancel.
type Handle struct {
	ID        uint64
	cancelled bool
}

// NewRegistry builds a registry with MaxPermits permits.
func NewRegistry() *Registry {
	return &Registry{
		sem:     semaphore.NewWeighted(MaxPermits),
		pending: make(map[uint64]*Handle),
		active:  make(map[uint64]*Handle),
	}
}

// Acquire reserves one permit and atomically inserts a pending handle,
// returning ErrExhausted if the pool is full. It never blocks: it uses
// TryAcquire exactly as the spec's try_acquire_owned demands, because a
// blocking acquire inside a synchronous JS call would wedge the VM thread.
func (r *Registry) Acquire() (*Handle, error) {
	if !r.sem.TryAcquire(1) {
		return nil, ErrExhausted
	}
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	r.nextID++
	h := &Handle{ID: r.nextID}
	r.pending[h.ID] = h
	return h, nil
}

// Register promotes a pending handle to active. Returns false if the handle
// was already cancelled (its permit is released here in that case), and the
// caller must then not start the timer task.
func (r *Registry) Register(h *Handle) bool {
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	if _, stillPending := r.pending[h.ID]; !stillPending {
		return false
	}
	delete(r.pending, h.ID)
	if h.cancelled {
		r.sem.Release(1)
		return false
	}
	r.active[h.ID] = h
	return true
}

// Cancel marks a handle cancelled. If it was still pending (registration
// hasn't happened yet), cancellation wins outright: the handle stays in the
// pending map and the following Register releases its permit and returns
// false. If it was already active, it is removed and its permit is released
// here, so the timer task must not call Release for it afterwards.
func (r *Registry) Cancel(id uint64) {
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	if h, ok := r.pending[id]; ok {
		h.cancelled = true
		return
	}
	if h, ok := r.active[id]; ok {
		h.cancelled = true
		delete(r.active, id)
		r.sem.Release(1)
	}
}

// Release returns a permit for a handle that ran to completion (interval
// tick loop ended, or one-shot timeout fired) without ever being cancelled.
func (r *Registry) Release(id uint64) {
	r.registryMu.Lock()
	defer r.registryMu.Unlock()
	if _, ok := r.active[id]; ok {
		delete(r.active, id)
		r.sem.Release(1)
	}
}

// IsCancelled reports whether id has been cancelled, for the timer task's
// biased select to check after its cancellation channel fires.
func (h *Handle) IsCancelled() bool { return h.cancelled }

// HandleID returns the handle's registry id.
func (h *Handle) HandleID() uint64 { return h.ID }

// AcquireContext is a convenience for callers that want Acquire's failure
// folded into a context-style error instead of a sentinel comparison.
func (r *Registry) AcquireContext(ctx context.Context) (*Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return r.Acquire()
}
