// Copyright 2025 James Ross
package plugin

import (
	"fmt"
	"sync"

	"github.com/flyingrobots/pluginhost/internal/health"
	"github.com/flyingrobots/pluginhost/internal/safepath"
)

type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateRunning  State = "running"
	StateError    State = "error"
)

// Instance is a loaded plugin: immutable identity plus mutable runtime
// state. The manager exclusively owns instances keyed by id; reads (list,
// get, health) are expected to be read-mostly.
type Instance struct {
	ID       string
	Path     string
	Manifest *Manifest

	mu      sync.RWMutex
	state   State
	enabled bool
	config  map[string]interface{}

	lastResult []byte
	lastError  error

	Resources *ResourceRegistry
	window    *health.Window
}

// NewInstance constructs an unloaded instance for manifest found at path.
func NewInstance(id, path string, manifest *Manifest) *Instance {
	return &Instance{
		ID:        id,
		Path:      path,
		Manifest:  manifest,
		state:     StateUnloaded,
		config:    map[string]interface{}{},
		Resources: NewResourceRegistry(),
		window:    health.NewWindow(health.DefaultWindowSize),
	}
}

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

func (i *Instance) Enabled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

func (i *Instance) SetEnabled(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = enabled
}

func (i *Instance) Config() map[string]interface{} {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]interface{}, len(i.config))
	for k, v := range i.config {
		out[k] = v
	}
	return out
}

func (i *Instance) SetConfig(cfg map[string]interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config = cfg
}

func (i *Instance) LastResult() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastResult, i.lastError
}

func (i *Instance) SetLastResult(data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastResult = data
	i.lastError = nil
}

func (i *Instance) SetLastError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastError = err
}

// Window exposes the sliding-window health tracker for this instance.
func (i *Instance) Window() *health.Window { return i.window }

// RecordSuccess appends a successful call outcome.
func (i *Instance) RecordSuccess(latencyMs float64) {
	i.window.RecordSuccess(latencyMs)
}

// RecordFailure appends a failed call outcome and remembers the error.
func (i *Instance) RecordFailure(err error, latencyMs float64) {
	i.window.RecordFailure(latencyMs)
	i.SetLastError(err)
}

// ToHealth derives a read-only health snapshot; safe to call concurrently
// with normal operation since it only needs the window's read lock.
func (i *Instance) ToHealth() health.Snapshot {
	return i.window.ToHealth()
}

// ReadEntryContent reads the plugin's entry file through the TOCTOU-hardened
// path opener, mapping any rejection to a load error naming the file.
func (i *Instance) ReadEntryContent() ([]byte, error) {
	data, err := safepath.ReadFile(i.Path, i.Manifest.Entry)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: read entry %s: %w", i.ID, i.Manifest.Entry, err)
	}
	return data, nil
}

// Unload marks the instance unloaded and disabled and clears its resource
// registry, returning the set of resources the caller must now release
// externally (timers, subscriptions, in-flight requests). Event
// subscriptions, exposed methods, permissions and the config schema live in
// the manager's components and are not touched here.
func (i *Instance) Unload() map[ResourceKind][]uint64 {
	i.mu.Lock()
	i.state = StateUnloaded
	i.enabled = false
	i.mu.Unlock()
	return i.Resources.Clear()
}
