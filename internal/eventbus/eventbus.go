// Copyright 2025 James Ross
// Package eventbus implements the host-wide plugin event system: bounded
// MPSC delivery, a single draining dispatcher, per-handler timeouts, and
// the subscription bookkeeping plugins' manifests declare up front.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/plugin"
)

const (
	// DefaultQueueSize is the bounded MPSC queue capacity.
	DefaultQueueSize = 1000
	// DefaultHandlerTimeout bounds a single handler invocation.
	DefaultHandlerTimeout = 5 * time.Second
)

var (
	// ErrQueueFull is returned by TrySend when the bounded queue has no
	// room; callers must not block the VM thread waiting for space.
	ErrQueueFull = errors.New("eventbus: queue full")
	// ErrInvalidEventName rejects a malformed three-part/two-part name.
	ErrInvalidEventName = errors.New("eventbus: invalid event name")
)

// ValidateName checks the two-part ("system:shutdown"/"ipc:refresh") or
// three-part ("plugin:<id>:<event>") shape every emitted event name must
// have, delegating to the same validator manifests are checked against.
func ValidateName(name string) error {
	if err := plugin.ValidateEventName(name); err != nil {
		return ErrInvalidEventName
	}
	return nil
}

// Envelope is one delivered event.
type Envelope struct {
	Name         string
	Payload      interface{}
	SourcePlugin string
	Timestamp    time.Time
}

// Handler processes one envelope. Implementations should return promptly;
// the bus enforces a timeout around every invocation regardless.
type Handler func(ctx context.Context, env Envelope) error

// Bus owns subscriptions, the bounded queue, and the single dispatcher
// goroutine draining it.
type Bus struct {
	logger          *zap.Logger
	handlerTimeout  time.Duration
	queue           chan Envelope
	stop            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup

	mu            sync.RWMutex
	subscriptions map[string]map[string]struct{} // event name -> plugin ids
	handlers      map[string]Handler              // plugin id -> handler
}

// New builds a bus with the given queue size (0 uses DefaultQueueSize) and
// starts its dispatcher goroutine.
func New(queueSize int, handlerTimeout time.Duration, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:         logger,
		handlerTimeout: handlerTimeout,
		queue:          make(chan Envelope, queueSize),
		stop:           make(chan struct{}),
		subscriptions:  make(map[string]map[string]struct{}),
		handlers:       make(map[string]Handler),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// RegisterHandler associates a plugin id with its handler. Called once at
// load time; Subscribe then grants it specific event names.
func (b *Bus) RegisterHandler(pluginID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pluginID] = h
}

// Subscribe grants pluginID delivery of eventName.
func (b *Bus) Subscribe(eventName, pluginID string) error {
	if err := ValidateName(eventName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscriptions[eventName]
	if !ok {
		set = make(map[string]struct{})
		b.subscriptions[eventName] = set
	}
	set[pluginID] = struct{}{}
	return nil
}

// UnsubscribeOnly drops pluginID's subscriptions but keeps its handler
// registered — used on plugin reload, where the manifest's new subscription
// list is about to be re-applied.
func (b *Bus) UnsubscribeOnly(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, set := range b.subscriptions {
		delete(set, pluginID)
		if len(set) == 0 {
			delete(b.subscriptions, name)
		}
	}
}

// UnsubscribeAll drops both pluginID's subscriptions and its handler —
// used on uninstall/unload.
func (b *Bus) UnsubscribeAll(pluginID string) {
	b.UnsubscribeOnly(pluginID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, pluginID)
}

// Emit validates the name and enqueues without blocking: when the bounded
// queue is full it returns ErrQueueFull immediately.
func (b *Bus) Emit(name string, payload interface{}, sourcePlugin string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	env := Envelope{Name: name, Payload: payload, SourcePlugin: sourcePlugin, Timestamp: time.Now()}
	select {
	case b.queue <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// TrySend is the JS-facing emit_sync surface: validates and performs a
// non-blocking try-send, returning ErrQueueFull rather than blocking the VM
// thread when the queue is saturated.
func (b *Bus) TrySend(action string, sourcePlugin string, data interface{}) error {
	return b.Emit(action, data, sourcePlugin)
}

// Close stops the dispatcher loop. Safe to call multiple times.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case env := <-b.queue:
			b.dispatch(env)
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	b.mu.RLock()
	subs, ok := b.subscriptions[env.Name]
	var targets []string
	if ok {
		targets = make([]string, 0, len(subs))
		for pluginID := range subs {
			if pluginID == env.SourcePlugin {
				continue
			}
			targets = append(targets, pluginID)
		}
	}
	handlers := make(map[string]Handler, len(targets))
	for _, id := range targets {
		if h, ok := b.handlers[id]; ok {
			handlers[id] = h
		}
	}
	b.mu.RUnlock()

	for pluginID, h := range handlers {
		b.invokeWithTimeout(pluginID, h, env)
	}
}

func (b *Bus) invokeWithTimeout(pluginID string, h Handler, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("eventbus: handler panicked")
			}
		}()
		done <- h(ctx, env)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("event handler error",
				zap.String("plugin_id", pluginID), zap.String("event", env.Name), zap.Error(err))
		}
	case <-ctx.Done():
		b.logger.Warn("event handler timed out",
			zap.String("plugin_id", pluginID), zap.String("event", env.Name))
	}
}
