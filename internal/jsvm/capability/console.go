// Copyright 2025 James Ross
// Package capability implements the individual JS globals mediating access
// from sandboxed plugin code into host facilities: console, encoding,
// errors, fetch, timers, and the plugin context object.
package capability

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const (
	maxStringifyDepth  = 10
	maxStringifyLength = 10 * 1024
	maxArrayElements   = 100
)

// InjectConsole installs console.log/warn/error/info/debug, each routing
// through the host logger tagged with the owning plugin's id. Arguments are
// stringified defensively: bounded recursion depth, bounded array expansion,
// bounded output length, so a plugin cannot wedge or flood the host logger
// with a pathological object graph.
func InjectConsole(vm *goja.Runtime, logger *zap.Logger, pluginID string) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("plugin_id", pluginID))

	console := vm.NewObject()
	bind := func(name string, fn func(args ...string)) error {
		return console.Set(name, func(call goja.FunctionCall) goja.Value {
			fn(stringifyArgs(call.Arguments)...)
			return goja.Undefined()
		})
	}

	if err := bind("log", func(args ...string) { logger.Info(strings.Join(args, " ")) }); err != nil {
		return err
	}
	if err := bind("info", func(args ...string) { logger.Info(strings.Join(args, " ")) }); err != nil {
		return err
	}
	if err := bind("warn", func(args ...string) { logger.Warn(strings.Join(args, " ")) }); err != nil {
		return err
	}
	if err := bind("error", func(args ...string) { logger.Error(strings.Join(args, " ")) }); err != nil {
		return err
	}
	if err := bind("debug", func(args ...string) { logger.Debug(strings.Join(args, " ")) }); err != nil {
		return err
	}

	return vm.Set("console", console)
}

func stringifyArgs(args []goja.Value) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = truncate(stringify(a, 0), maxStringifyLength)
	}
	return out
}

func stringify(v goja.Value, depth int) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if depth >= maxStringifyDepth {
		return "..."
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	switch obj.ClassName() {
	case "Array":
		length := int(obj.Get("length").ToInteger())
		if length > maxArrayElements {
			length = maxArrayElements
		}
		parts := make([]string, 0, length)
		for i := 0; i < length; i++ {
			parts = append(parts, stringify(obj.Get(fmt.Sprintf("%d", i)), depth+1))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		keys := obj.Keys()
		if len(keys) > maxArrayElements {
			keys = keys[:maxArrayElements]
		}
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, stringify(obj.Get(k), depth+1)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
