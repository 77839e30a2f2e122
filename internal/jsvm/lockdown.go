// Copyright 2025 James Ross
package jsvm

import (
	"fmt"

	"github.com/dop251/goja"
)

// lockdownScript removes every dynamic-code-execution entry point from the
// global object and freezes the function constructor prototype chain, so
// a plugin cannot regenerate a Function constructor from a closure it still
// holds. It runs as a single atomic IIFE and performs a fail-closed
// self-check at the end: if any core disablement did not stick, the whole
// script throws and context creation aborts.
//
// See https://portswigger.net/research/attacking-and-defending-javascript-sandboxes
const lockdownScript = `
(function() {
	'use strict';

	function disableProperty(obj, prop, msg) {
		try {
			Object.defineProperty(obj, prop, {
				get: function() { throw new TypeError(msg); },
				set: function() { throw new TypeError(msg); },
				configurable: false
			});
			return true;
		} catch (e) {
			try { delete obj[prop]; return true; } catch (e2) { return false; }
		}
	}

	function disableConstructor(constructorFn, name) {
		if (!constructorFn || !constructorFn.prototype) return false;
		return disableProperty(
			constructorFn.prototype,
			'constructor',
			name + ' constructor is disabled in sandbox'
		);
	}

	function isDisabled(obj, prop) {
		try {
			var val = obj[prop];
			return val === undefined;
		} catch (e) {
			return true;
		}
	}

	if (typeof globalThis.eval !== 'undefined') {
		try { delete globalThis.eval; } catch (e) {}
		disableProperty(globalThis, 'eval', 'eval is disabled in sandbox');
	}

	if (typeof globalThis.Function !== 'undefined') {
		try { delete globalThis.Function; } catch (e) {}
		disableProperty(globalThis, 'Function', 'Function constructor is disabled in sandbox');
	}

	var FunctionConstructor = (function(){}).constructor;
	disableConstructor(FunctionConstructor, 'Function');

	try {
		var AsyncFunctionConstructor = (async function(){}).constructor;
		disableConstructor(AsyncFunctionConstructor, 'AsyncFunction');
	} catch (e) {}

	try {
		var GeneratorFunctionConstructor = (function*(){}).constructor;
		disableConstructor(GeneratorFunctionConstructor, 'GeneratorFunction');
	} catch (e) {}

	try {
		var AsyncGeneratorFunctionConstructor = (async function*(){}).constructor;
		disableConstructor(AsyncGeneratorFunctionConstructor, 'AsyncGeneratorFunction');
	} catch (e) {}

	if (typeof globalThis.WebAssembly !== 'undefined') {
		try { delete globalThis.WebAssembly; } catch (e) {}
		disableProperty(globalThis, 'WebAssembly', 'WebAssembly is disabled in sandbox');
	}

	try {
		Object.freeze(FunctionConstructor.prototype);
	} catch (e) {}

	var errors = [];

	if (!isDisabled(globalThis, 'eval')) {
		try {
			var testEval = globalThis.eval;
			if (typeof testEval === 'function') {
				errors.push('eval is still accessible');
			}
		} catch (e) {}
	}

	if (!isDisabled(globalThis, 'Function')) {
		try {
			var testFunc = globalThis.Function;
			if (typeof testFunc === 'function') {
				errors.push('Function is still accessible');
			}
		} catch (e) {}
	}

	try {
		var fc = FunctionConstructor.prototype.constructor;
		if (typeof fc === 'function') {
			errors.push('Function.prototype.constructor is still accessible');
		}
	} catch (e) {}

	if (errors.length > 0) {
		throw new Error('Sandbox security check failed: ' + errors.join('; '));
	}
})();
`

// applyLockdown runs lockdownScript against vm. A failure here means the
// sandbox could not prove its own safety, so the caller must discard the
// runtime entirely rather than continue with a partially-locked context.
func applyLockdown(vm *goja.Runtime) error {
	if _, err := vm.RunString(lockdownScript); err != nil {
		return fmt.Errorf("%w: %v", ErrLockdownFailed, err)
	}
	return nil
}
