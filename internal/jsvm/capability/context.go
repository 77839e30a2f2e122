// Copyright 2025 James Ross
package capability

import (
	"regexp"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var actionPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Emitter is the narrow surface context.emit needs from the event bus: a
// non-blocking, best-effort enqueue. Implementations must never block the VM
// thread — a full queue is a normal, reportable outcome, not an error the
// plugin author should have to guard against going uncaught.
type Emitter interface {
	TrySend(action string, data interface{}) error
}

// Caller is the narrow surface context.call needs. Until a resident
// per-plugin VM model exists, every implementation must return a structured
// not-supported result rather than blocking or silently succeeding.
type Caller interface {
	Call(target, method string, params interface{}) (map[string]interface{}, error)
}

// ContextConfig carries everything InjectContext needs to build one
// plugin's `context` global.
type ContextConfig struct {
	PluginID string
	Config   map[string]interface{}
	Emitter  Emitter
	Caller   Caller
	Logger   *zap.Logger
}

// InjectContext installs the `context` global: pluginId, a frozen config
// snapshot, emit/log/call. Each of emit/log/call must be safe to call from
// inside a watchdog-timed evaluation — none of them may block.
func InjectContext(vm *goja.Runtime, cfg ContextConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("plugin_id", cfg.PluginID))

	ctx := vm.NewObject()
	if err := ctx.Set("pluginId", cfg.PluginID); err != nil {
		return err
	}

	configVal := vm.ToValue(cfg.Config)
	if err := ctx.Set("config", configVal); err != nil {
		return err
	}
	if err := freezeValue(vm, configVal); err != nil {
		return err
	}

	if err := ctx.Set("emit", func(call goja.FunctionCall) goja.Value {
		action := call.Argument(0).String()
		if !actionPattern.MatchString(action) {
			panic(vm.NewTypeError("context.emit: action must match [a-z0-9_]+"))
		}
		if cfg.Emitter == nil {
			return goja.Undefined()
		}
		data := call.Argument(1).Export()
		if err := cfg.Emitter.TrySend(action, data); err != nil {
			logger.Warn("emit dropped", zap.String("action", action), zap.Error(err))
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := ctx.Set("log", func(call goja.FunctionCall) goja.Value {
		level := call.Argument(0).String()
		msg := call.Argument(1).String()
		switch level {
		case "warn":
			logger.Warn(msg)
		case "error":
			logger.Error(msg)
		case "debug":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := ctx.Set("call", func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		method := call.Argument(1).String()
		var params interface{}
		if len(call.Arguments) > 2 {
			params = call.Argument(2).Export()
		}
		result := map[string]interface{}{
			"success": false,
			"status":  "not_supported",
			"target":  target,
			"method":  method,
		}
		if cfg.Caller != nil {
			if r, err := cfg.Caller.Call(target, method, params); err == nil && r != nil {
				result = r
			}
		}
		return vm.ToValue(result)
	}); err != nil {
		return err
	}

	return vm.Set("context", ctx)
}

func freezeValue(vm *goja.Runtime, v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	objectCtor, ok := vm.GlobalObject().Get("Object").(*goja.Object)
	if !ok {
		return nil
	}
	freeze, ok := goja.AssertFunction(objectCtor.Get("freeze"))
	if !ok {
		return nil
	}
	_, err := freeze(goja.Undefined(), obj)
	return err
}
