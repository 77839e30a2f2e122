// Copyright 2025 James Ross
package jsvm

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/jsvm/capability"
)

// injectBase installs the capabilities every context gets regardless of
// permissions: console, encoding, and the PluginError class.
func injectBase(vm *goja.Runtime, logger *zap.Logger, pluginID string) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := capability.InjectConsole(vm, logger, pluginID); err != nil {
		return err
	}
	if err := capability.InjectEncoding(vm); err != nil {
		return err
	}
	if err := capability.InjectError(vm); err != nil {
		return err
	}
	return nil
}
