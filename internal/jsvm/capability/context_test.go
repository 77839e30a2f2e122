// Copyright 2025 James Ross
package capability

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	sent   []string
	reject bool
}

func (f *fakeEmitter) TrySend(action string, data interface{}) error {
	if f.reject {
		return errors.New("queue full")
	}
	f.sent = append(f.sent, action)
	return nil
}

func TestContextPluginIDAndConfigFrozen(t *testing.T) {
	vm := goja.New()
	require.NoError(t, InjectContext(vm, ContextConfig{
		PluginID: "foo",
		Config:   map[string]interface{}{"threshold": 5.0},
	}))

	v, err := vm.RunString(`context.pluginId`)
	require.NoError(t, err)
	require.Equal(t, "foo", v.String())

	v, err = vm.RunString(`
		context.config.threshold = 100;
		context.config.threshold;
	`)
	require.NoError(t, err)
	require.Equal(t, int64(5), v.ToInteger())
}

func TestContextEmitValidatesActionShape(t *testing.T) {
	vm := goja.New()
	emitter := &fakeEmitter{}
	require.NoError(t, InjectContext(vm, ContextConfig{PluginID: "foo", Emitter: emitter}))

	_, err := vm.RunString(`context.emit("Bad Action!", {})`)
	require.Error(t, err)

	_, err = vm.RunString(`context.emit("tick", {n: 1})`)
	require.NoError(t, err)
	require.Equal(t, []string{"tick"}, emitter.sent)
}

func TestContextEmitDoesNotThrowOnFullQueue(t *testing.T) {
	vm := goja.New()
	emitter := &fakeEmitter{reject: true}
	require.NoError(t, InjectContext(vm, ContextConfig{PluginID: "foo", Emitter: emitter}))

	_, err := vm.RunString(`context.emit("tick", {})`)
	require.NoError(t, err)
}

func TestContextCallReturnsNotSupportedByDefault(t *testing.T) {
	vm := goja.New()
	require.NoError(t, InjectContext(vm, ContextConfig{PluginID: "foo"}))

	v, err := vm.RunString(`JSON.stringify(context.call("bar", "ping", {}))`)
	require.NoError(t, err)
	require.JSONEq(t, `{"success":false,"status":"not_supported","target":"bar","method":"ping"}`, v.String())
}

func TestContextLogRoutesLevels(t *testing.T) {
	vm := goja.New()
	require.NoError(t, InjectContext(vm, ContextConfig{PluginID: "foo"}))
	_, err := vm.RunString(`context.log("warn", "careful"); context.log("info", "fyi");`)
	require.NoError(t, err)
}
