// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/guard"
)

// Caller dispatches one function call on a capability.
type Caller interface {
	Call(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error)
}

// Registry is the composed capability table handed to the
// application. It is built once per load pass and read-mostly
// thereafter; hot reload swaps in a freshly built registry.
type Registry struct {
	env     *Env
	callers map[string]Caller
	multi   map[string]*MultiProxy
	modes   map[string]Mode
	order   map[string][]string
}

// Build resolves providers under the configured policies and wraps
// them into a dispatch table. rates feeds failure-rate ordering and
// may be nil.
func Build(providers []Provider, policies map[string]Policy, rates map[string]audit.Rate, env *Env) (*Registry, error) {
	byName := make(map[string][]Provider)
	seen := make(map[string]bool)
	for _, provider := range providers {
		key := provider.PluginID + "\x00" + provider.Capability
		if seen[key] {
			return nil, &PolicyError{
				Capability: provider.Capability,
				Reason:     "plugin " + provider.PluginID + " registered twice",
			}
		}
		seen[key] = true
		byName[provider.Capability] = append(byName[provider.Capability], provider)
	}

	registry := &Registry{
		env:     env,
		callers: make(map[string]Caller, len(byName)),
		multi:   make(map[string]*MultiProxy),
		modes:   make(map[string]Mode, len(byName)),
		order:   make(map[string][]string, len(byName)),
	}

	for name, candidates := range byName {
		policy, ok := policies[name]
		if !ok {
			policy = DefaultPolicy()
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("capability %q policy: %w", name, err)
		}

		ids := make([]string, len(candidates))
		providerByID := make(map[string]Provider, len(candidates))
		for i, candidate := range candidates {
			ids[i] = candidate.PluginID
			providerByID[candidate.PluginID] = candidate
		}
		orderedIDs, err := OrderPluginIDs(name, ids, policy, rates)
		if err != nil {
			return nil, err
		}

		proxies := make([]*Proxy, len(orderedIDs))
		for i, id := range orderedIDs {
			proxies[i] = NewProxy(providerByID[id], env)
		}

		switch policy.Mode {
		case ModeSingle:
			if len(proxies) == 1 {
				registry.callers[name] = proxies[0]
			} else {
				registry.callers[name] = NewFallbackProxy(name, proxies, env.Logger)
			}
		case ModeMulti:
			if policy.MaxProviders > 0 && len(proxies) > policy.MaxProviders {
				proxies = proxies[:policy.MaxProviders]
				orderedIDs = orderedIDs[:policy.MaxProviders]
			}
			multi := NewMultiProxy(name, proxies)
			registry.callers[name] = multi
			registry.multi[name] = multi
		}

		registry.modes[name] = policy.Mode
		registry.order[name] = orderedIDs
	}

	return registry, nil
}

// Call dispatches a function call on a capability name.
func (r *Registry) Call(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
	caller, ok := r.callers[capability]
	if !ok {
		return nil, &PolicyError{Capability: capability, Reason: "not registered"}
	}
	return caller.Call(ctx, function, args, kwargs)
}

// CallAll fans a call out to every provider of a multi-mode
// capability.
func (r *Registry) CallAll(ctx context.Context, capability, function string, args []any, kwargs map[string]any) ([]ProviderResult, error) {
	multi, ok := r.multi[capability]
	if !ok {
		if _, registered := r.callers[capability]; registered {
			return nil, &PolicyError{Capability: capability, Reason: "not a multi-mode capability"}
		}
		return nil, &PolicyError{Capability: capability, Reason: "not registered"}
	}
	return multi.CallAll(ctx, function, args, kwargs), nil
}

// Capabilities returns the registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mode reports the resolved mode of a capability.
func (r *Registry) Mode(capability string) (Mode, bool) {
	mode, ok := r.modes[capability]
	return mode, ok
}

// Providers returns the resolved provider order of a capability.
func (r *Registry) Providers(capability string) []string {
	return slices.Clone(r.order[capability])
}

// View is a plugin-scoped window onto the registry. Nested capability
// use goes through the calling plugin's view, which admits only the
// capabilities the plugin declared as required; everything else is a
// guard violation naming the plugin and capability.
type View struct {
	registry *Registry
	pluginID string
	allowed  map[string]bool
}

// View scopes the registry to one plugin and its declared capability
// requirements.
func (r *Registry) View(pluginID string, required []string) *View {
	allowed := make(map[string]bool, len(required))
	for _, name := range required {
		allowed[name] = true
	}
	return &View{registry: r, pluginID: pluginID, allowed: allowed}
}

// Call dispatches through the view's allow-list.
func (v *View) Call(ctx context.Context, capability, function string, args []any, kwargs map[string]any) (any, error) {
	if !v.allowed[capability] {
		return nil, &guard.Violation{
			Kind:       guard.CapabilityNotAllowed,
			PluginID:   v.pluginID,
			Capability: capability,
		}
	}
	return v.registry.Call(ctx, capability, function, args, kwargs)
}

// CallAll fans out through the view's allow-list.
func (v *View) CallAll(ctx context.Context, capability, function string, args []any, kwargs map[string]any) ([]ProviderResult, error) {
	if !v.allowed[capability] {
		return nil, &guard.Violation{
			Kind:       guard.CapabilityNotAllowed,
			PluginID:   v.pluginID,
			Capability: capability,
		}
	}
	return v.registry.CallAll(ctx, capability, function, args, kwargs)
}
