// Copyright 2025 James Ross
package capability

import "github.com/dop251/goja"

// pluginErrorTypes enumerates the closed set of error categories a plugin
// may report back to the host via `new PluginError(message, type)`.
var pluginErrorTypes = []string{
	"validation",
	"permission",
	"network",
	"timeout",
	"internal",
	"not_supported",
}

// InjectError installs a PluginError class plugins can throw to signal a
// categorized failure, plus a frozen PluginErrorType object enumerating the
// valid categories. A PluginError built without a type gets "internal";
// the host does not read the type of a thrown value.
func InjectError(vm *goja.Runtime) error {
	errType := vm.NewObject()
	for _, t := range pluginErrorTypes {
		if err := errType.Set(t, t); err != nil {
			return err
		}
	}
	if obj, ok := vm.GlobalObject().Get("Object").(*goja.Object); ok {
		if freeze, ok := goja.AssertFunction(obj.Get("freeze")); ok {
			if _, err := freeze(goja.Undefined(), errType); err != nil {
				return err
			}
		}
	}
	if err := vm.Set("PluginErrorType", errType); err != nil {
		return err
	}

	ctor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		message := call.Argument(0).String()
		errorType := "internal"
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			errorType = call.Argument(1).String()
		}
		_ = obj.Set("name", "PluginError")
		_ = obj.Set("message", message)
		_ = obj.Set("type", errorType)
		_ = obj.Set("stack", "PluginError: "+message)
		return nil
	}
	pluginErrorCtor := vm.ToValue(ctor)
	if err := vm.Set("PluginError", pluginErrorCtor); err != nil {
		return err
	}
	if ctorObj, ok := pluginErrorCtor.(*goja.Object); ok {
		if errCtor, ok := vm.Get("Error").(*goja.Object); ok {
			if proto, ok := errCtor.Get("prototype").(*goja.Object); ok {
				_ = ctorObj.Set("prototype", proto)
			}
		}
	}
	return nil
}
