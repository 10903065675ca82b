// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the contract a plugin implements and the
// factory registry for in-process hosting.
//
// A plugin exposes an explicit method table: capability names mapped
// to the functions callable under each. Dispatch goes through that
// table only; the runtime never reflects over plugin values looking
// for callables.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Plugin is one loaded plugin instance. Implementations must be safe
// for concurrent Invoke calls; the runtime does not serialize them.
type Plugin interface {
	// Capabilities returns the method table. The returned map must
	// be stable for the life of the instance.
	Capabilities() map[string][]string

	// Invoke calls one function of one capability.
	Invoke(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error)

	// Close releases the plugin's resources. Called best-effort on
	// unload, hot reload, and shutdown.
	Close() error
}

// Func is one plugin operation.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Table is a declarative Plugin: capability name to function name to
// implementation. The zero value is an empty plugin.
type Table map[string]map[string]Func

// Capabilities lists the table's capabilities with sorted function
// names.
func (t Table) Capabilities() map[string][]string {
	out := make(map[string][]string, len(t))
	for capName, funcs := range t {
		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		slices.Sort(names)
		out[capName] = names
	}
	return out
}

// Invoke dispatches through the table.
func (t Table) Invoke(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
	funcs, ok := t[capability]
	if !ok {
		return nil, fmt.Errorf("unknown capability %s", capability)
	}
	fn, ok := funcs[function]
	if !ok {
		return nil, fmt.Errorf("capability %s has no function %s", capability, function)
	}
	return fn(ctx, args, kwargs)
}

// Close implements Plugin; a bare table holds nothing to release.
func (t Table) Close() error { return nil }

// Caller dispatches nested capability calls through the kernel,
// scoped to the calling plugin's declared requirements.
type Caller interface {
	Call(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error)
}

// Env is what a factory receives at instantiation.
type Env struct {
	// Settings is the plugin's effective settings object.
	Settings map[string]any

	// Caps dispatches nested capability calls. Nil when the plugin
	// runs out of process, where no kernel is reachable.
	Caps Caller

	// Logger is scoped to the plugin. Nil discards.
	Logger *slog.Logger
}

// Factory builds a plugin instance.
type Factory func(env Env) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes an in-process entrypoint available under
// name, matching the manifest entrypoint id. Panics on duplicate
// registration, which is always a wiring bug.
func RegisterFactory(name string, f Factory) {
	if f == nil {
		panic("plugin: RegisterFactory with nil factory")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("plugin: RegisterFactory called twice for " + name)
	}
	factories[name] = f
}

// LookupFactory returns the registered factory for name.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Factories lists the registered factory names, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
