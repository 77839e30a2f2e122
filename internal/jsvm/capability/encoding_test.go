// Copyright 2025 James Ross
package capability

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

func newVMWithEncoding(t *testing.T) *goja.Runtime {
	t.Helper()
	vm := goja.New()
	require.NoError(t, InjectEncoding(vm))
	return vm
}

func TestBtoaAtobRoundTrip(t *testing.T) {
	vm := newVMWithEncoding(t)
	v, err := vm.RunString(`atob(btoa("hello world"))`)
	require.NoError(t, err)
	require.Equal(t, "hello world", v.String())
}

func TestAtobRejectsInvalidBase64(t *testing.T) {
	vm := newVMWithEncoding(t)
	_, err := vm.RunString(`atob("not base64!!")`)
	require.Error(t, err)
}

func TestTextEncoderDecoderRoundTrip(t *testing.T) {
	vm := newVMWithEncoding(t)
	v, err := vm.RunString(`
		var enc = new TextEncoder();
		var dec = new TextDecoder();
		var bytes = enc.encode("héllo");
		dec.decode(bytes);
	`)
	require.NoError(t, err)
	require.Equal(t, "héllo", v.String())
}

func TestBtoaRejectsOversizedInput(t *testing.T) {
	vm := newVMWithEncoding(t)
	_, err := vm.RunString(`
		var big = "a".repeat(1024 * 1024 + 1);
		btoa(big);
	`)
	require.Error(t, err)
}
