// Copyright 2025 James Ross
package jsvm

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/fetchguard"
	"github.com/flyingrobots/pluginhost/internal/jsvm/capability"
	"github.com/flyingrobots/pluginhost/internal/timeradmit"
)

// fetchClientAdapter bridges fetchguard.Client (which knows nothing about
// goja) to capability.FetchClient (which knows nothing about fetchguard),
// keeping both packages independently testable.
type fetchClientAdapter struct {
	client *fetchguard.Client
}

func (a fetchClientAdapter) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*capability.FetchResult, error) {
	res, err := a.client.Do(ctx, method, url, headers, body)
	if err != nil {
		return nil, err
	}
	return &capability.FetchResult{
		URL:    res.URL,
		Method: res.Method,
		OK:     res.OK,
		Status: res.Status,
		Body:   res.Body,
	}, nil
}

// WithFetch returns an InjectFunc that installs fetch() backed by client.
// Pass it to NewPermissionedContext only for plugins declaring the
// "network" permission.
func WithFetch(client *fetchguard.Client) InjectFunc {
	return func(rt *Runtime) error {
		return capability.InjectFetch(rt.VM, fetchClientAdapter{client: client})
	}
}

// WithContext returns an InjectFunc that installs the plugin's `context`
// global (pluginId/config/emit/log/call).
func WithContext(cfg capability.ContextConfig) InjectFunc {
	return func(rt *Runtime) error {
		return capability.InjectContext(rt.VM, cfg)
	}
}

type timerRegistryAdapter struct {
	r *timeradmit.Registry
}

func (a timerRegistryAdapter) Acquire() (capability.TimerHandle, error) {
	h, err := a.r.Acquire()
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a timerRegistryAdapter) Register(h capability.TimerHandle) bool {
	return a.r.Register(h.(*timeradmit.Handle))
}

func (a timerRegistryAdapter) Cancel(id uint64)  { a.r.Cancel(id) }
func (a timerRegistryAdapter) Release(id uint64) { a.r.Release(id) }
func (a timerRegistryAdapter) ClampDelay(delay time.Duration, isInterval bool) time.Duration {
	return timeradmit.ClampDelay(delay, isInterval)
}

// WithTimer returns an InjectFunc that installs setTimeout/setInterval
// backed by registry. Pass it only for plugins declaring the "timer"
// permission. Every callback fires on its own goroutine (one per armed
// timer), so each invocation is routed through rt.Execute rather than
// calling cb directly: that serializes it against the main eval goroutine
// and every other timer goroutine onto the one VM they all share, and gives
// it the same watchdog preemption as any other VM entry point. logger is
// used to report panics or watchdog timeouts recovered from callback
// execution, since a plugin's timer callback runs detached from any
// synchronous caller that could observe the error.
func WithTimer(registry *timeradmit.Registry, logger *zap.Logger) InjectFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(rt *Runtime) error {
		run := func(cb goja.Callable) {
			stop := make(chan struct{})
			_, err := rt.Execute(stop, rt.Limits.Timeout, func(vm *goja.Runtime) (result goja.Value, err error) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("timer callback panicked", zap.Any("recover", r))
						result, err = goja.Undefined(), nil
					}
				}()
				return cb(goja.Undefined())
			})
			switch {
			case errors.Is(err, ErrExecutionTimeout):
				logger.Warn("timer callback execution timed out", zap.Duration("timeout", rt.Limits.Timeout))
			case err != nil:
				logger.Warn("timer callback error", zap.Error(err))
			}
		}
		return capability.InjectTimer(rt.VM, timerRegistryAdapter{r: registry}, run)
	}
}
