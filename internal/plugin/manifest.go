// Copyright 2025 James Ross
// Package plugin holds the plugin manifest schema, the runtime plugin
// instance, and their shared invariants.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/flyingrobots/pluginhost/internal/integrity"
)

type PluginType string

const (
	PluginTypeData   PluginType = "data"
	PluginTypeEvent  PluginType = "event"
	PluginTypeHybrid PluginType = "hybrid"
)

type DataType string

const (
	DataTypeUsage   DataType = "usage"
	DataTypeBalance DataType = "balance"
	DataTypeStatus  DataType = "status"
	DataTypeCustom  DataType = "custom"
)

// Manifest is the on-disk, camelCase-JSON description of a plugin: its
// identity, presentation, declared capabilities, and integrity metadata.
type Manifest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	APIVersion  string   `json:"apiVersion"`
	PluginType  PluginType `json:"pluginType"`
	DataType    DataType `json:"dataType,omitempty"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Entry       string   `json:"entry,omitempty"`

	Permissions       []string                 `json:"permissions,omitempty"`
	RefreshIntervalMs int                      `json:"refreshIntervalMs,omitempty"`
	// RefreshCron, if set, schedules refresh via a standard 5-field cron
	// expression instead of a fixed-interval ticker; takes priority over
	// RefreshIntervalMs when both are present.
	RefreshCron       string                   `json:"refreshCron,omitempty"`
	SubscribedEvents  []string                 `json:"subscribedEvents,omitempty"`
	ConfigSchema      map[string]FieldSchema   `json:"configSchema,omitempty"`
	ExposedMethods    []string                 `json:"exposedMethods,omitempty"`

	Files     map[string]string `json:"files,omitempty"`
	Signature string            `json:"signature,omitempty"`
}

// FieldSchema describes one entry of a plugin's dynamic config schema. See
// internal/pluginconfig for validation against it.
type FieldSchema struct {
	Type     string      `json:"type"`
	Required bool        `json:"required,omitempty"`
	Secret   bool        `json:"secret,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
	Options  []string    `json:"options,omitempty"`
}

var (
	ErrManifestParse    = errors.New("plugin: manifest parse error")
	ErrIDMismatch       = errors.New("plugin: manifest id does not match directory name")
	ErrUnsafeEntry      = errors.New("plugin: entry is not a safe relative path")
	ErrInvalidEventName = errors.New("plugin: invalid subscribed event name")
	ErrInvalidPermission = errors.New("plugin: invalid permission string")
)

var actionPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ParseManifest decodes and validates raw manifest bytes against the
// directory name the manifest was loaded from.
func ParseManifest(raw []byte, dirName string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if m.Entry == "" {
		m.Entry = "plugin.js"
	}
	if err := m.Validate(dirName); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the manifest invariants from the specification: id
// matches the directory name, entry is a safe relative path, every
// subscribed event name is well formed, and every permission string
// parses.
func (m *Manifest) Validate(dirName string) error {
	if m.ID != dirName {
		return fmt.Errorf("%w: manifest id %q != directory %q", ErrIDMismatch, m.ID, dirName)
	}
	if err := integrity.SafeRelativePath(m.Entry); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsafeEntry, m.Entry)
	}
	for _, ev := range m.SubscribedEvents {
		if err := ValidateEventName(ev); err != nil {
			return err
		}
	}
	for _, p := range m.Permissions {
		if _, err := ParseCapability(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEventName checks that name is "plugin:<id>:<action>",
// "system:<action>", or "ipc:<action>", with action matching [a-z0-9_]+.
func ValidateEventName(name string) error {
	parts := strings.Split(name, ":")
	switch len(parts) {
	case 2:
		if (parts[0] == "system" || parts[0] == "ipc") && actionPattern.MatchString(parts[1]) {
			return nil
		}
	case 3:
		if parts[0] == "plugin" && parts[1] != "" && actionPattern.MatchString(parts[2]) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidEventName, name)
}

// Capability is a parsed permission string: network, timer, storage,
// cache, or call:<target-id>:<method>.
type Capability struct {
	Kind   string // "network", "timer", "storage", "cache", "call"
	Target string // populated for "call"
	Method string // populated for "call"
}

func (c Capability) String() string {
	if c.Kind == "call" {
		return fmt.Sprintf("call:%s:%s", c.Target, c.Method)
	}
	return c.Kind
}

// ParseCapability parses a permission string.
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "network", "timer", "storage", "cache":
		return Capability{Kind: s}, nil
	}
	if strings.HasPrefix(s, "call:") {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
			return Capability{Kind: "call", Target: parts[1], Method: parts[2]}, nil
		}
	}
	return Capability{}, fmt.Errorf("%w: %s", ErrInvalidPermission, s)
}
