// Copyright 2025 James Ross
package capability

import (
	"encoding/base64"
	"errors"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// maxEncodingInput bounds the size of any single atob/btoa/TextEncoder call
// so a plugin cannot use the encoding surface to force a multi-megabyte copy
// on every invocation.
const maxEncodingInput = 1 * 1024 * 1024

var errEncodingInputTooLarge = errors.New("capability: encoding input exceeds 1MiB limit")

// InjectEncoding installs a minimal UTF-8 TextEncoder/TextDecoder pair plus
// atob/btoa, matching the subset of the browser encoding API plugins
// realistically need for binary interop without pulling in streams.
func InjectEncoding(vm *goja.Runtime) error {
	if err := injectTextEncoder(vm); err != nil {
		return err
	}
	if err := injectTextDecoder(vm); err != nil {
		return err
	}
	if err := injectBase64(vm); err != nil {
		return err
	}
	return nil
}

func injectTextEncoder(vm *goja.Runtime) error {
	ctor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("encode", func(c goja.FunctionCall) goja.Value {
			s := c.Argument(0).String()
			if len(s) > maxEncodingInput {
				panic(vm.NewGoError(errEncodingInputTooLarge))
			}
			b := []byte(s)
			arr := vm.NewArray(len(b))
			for i, bb := range b {
				_ = arr.Set(itoa(i), bb)
			}
			return arr
		})
		return nil
	}
	return vm.Set("TextEncoder", vm.ToValue(ctor))
}

func injectTextDecoder(vm *goja.Runtime) error {
	ctor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		_ = obj.Set("decode", func(c goja.FunctionCall) goja.Value {
			arg := c.Argument(0)
			bytes, err := toByteSlice(arg)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			if len(bytes) > maxEncodingInput {
				panic(vm.NewGoError(errEncodingInputTooLarge))
			}
			if !utf8.Valid(bytes) {
				return vm.ToValue(string(bytes))
			}
			return vm.ToValue(string(bytes))
		})
		return nil
	}
	return vm.Set("TextDecoder", vm.ToValue(ctor))
}

func injectBase64(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		if len(s) > maxEncodingInput {
			panic(vm.NewGoError(errEncodingInputTooLarge))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(s)))
	}); err != nil {
		return err
	}
	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		if len(s) > maxEncodingInput {
			panic(vm.NewGoError(errEncodingInputTooLarge))
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(decoded))
	})
}

func toByteSlice(v goja.Value) ([]byte, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return []byte(v.String()), nil
	}
	length := int(obj.Get("length").ToInteger())
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = byte(obj.Get(itoa(i)).ToInteger())
	}
	return out, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	n := i
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}
