// Copyright 2025 James Ross
package pluginconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func minMax(min, max float64) (*float64, *float64) { return &min, &max }

func TestValidateRequiredFieldMissing(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"apiKey": FieldSchema{Name: "apiKey", Type: FieldString, Required: true},
	})
	err := m.Validate("foo", map[string]interface{}{})
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	require.Equal(t, ErrorRequired, verr.Errors[0].Kind)
}

func TestValidateTypeMismatch(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"count": FieldSchema{Name: "count", Type: FieldNumber},
	})
	err := m.Validate("foo", map[string]interface{}{"count": "not a number"})
	verr := err.(*ValidationError)
	require.Equal(t, ErrorTypeMismatch, verr.Errors[0].Kind)
}

func TestValidateOutOfRange(t *testing.T) {
	min, max := minMax(1, 10)
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"count": FieldSchema{Name: "count", Type: FieldNumber, Min: min, Max: max},
	})
	err := m.Validate("foo", map[string]interface{}{"count": 100.0})
	verr := err.(*ValidationError)
	require.Equal(t, ErrorOutOfRange, verr.Errors[0].Kind)
}

func TestValidateInvalidOption(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"mode": FieldSchema{Name: "mode", Type: FieldSelect, Options: []string{"fast", "slow"}},
	})
	err := m.Validate("foo", map[string]interface{}{"mode": "turbo"})
	verr := err.(*ValidationError)
	require.Equal(t, ErrorInvalidOption, verr.Errors[0].Kind)
}

func TestValidateMissingNonRequiredAccepted(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"nickname": FieldSchema{Name: "nickname", Type: FieldString, Required: false},
	})
	require.NoError(t, m.Validate("foo", map[string]interface{}{}))
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"nickname": FieldSchema{Name: "nickname", Type: FieldString},
	})
	require.NoError(t, m.Validate("foo", map[string]interface{}{"nickname": "x", "extra": 1}))
}

func TestGetWithDefaultsFillsMissing(t *testing.T) {
	m := New(nil)
	m.RegisterSchema("foo", Schema{
		"timeout": FieldSchema{Name: "timeout", Type: FieldNumber, Default: 30.0},
	})
	out, err := m.GetWithDefaults("foo", map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, 30.0, out["timeout"])
}

func TestNotifyConfigChangedCallsHandler(t *testing.T) {
	var gotEvent string
	m := New(func(event string, data interface{}) { gotEvent = event })
	m.RegisterSchema("foo", Schema{})
	m.NotifyConfigChanged("foo", map[string]interface{}{})
	require.Equal(t, "system:plugin_config_changed", gotEvent)
}

func TestValidateUnregisteredSchema(t *testing.T) {
	m := New(nil)
	err := m.Validate("unknown", map[string]interface{}{})
	require.ErrorIs(t, err, ErrSchemaNotRegistered)
}
