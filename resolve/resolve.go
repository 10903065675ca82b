// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve computes the deterministic plugin load order and
// rejects unsatisfiable plugin sets before anything is instantiated.
//
// The dependency graph has an edge from plugin A to plugin B when A
// declares B in depends_on, or when A requires a capability and B is
// the provider the ordering rules select for it. Order extraction is
// Kahn's algorithm with every ready batch taken in lexicographic
// order, so the result is stable across runs and machines.
package resolve

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/capability"
	"github.com/tessera-dev/tessera/manifest"
)

// CycleError is boot-fatal: the enabled set contains a dependency
// cycle. IDs holds every stuck plugin, sorted.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return "plugin_dependency_cycle_detected:" + strings.Join(e.IDs, ",")
}

// ConflictError is boot-fatal: two enabled plugins declare each other
// incompatible and the pair is not allow-listed. A and B are sorted.
type ConflictError struct {
	A, B string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plugin conflict: %s and %s cannot be enabled together", e.A, e.B)
}

// Input is everything order resolution needs. Provider selection for
// required capabilities uses the same policies and failure rates the
// registry build uses, so the resolver and the registry always agree
// on who provides what.
type Input struct {
	Manifests []*manifest.Manifest
	Policies  map[string]capability.Policy
	Rates     map[string]audit.Rate

	// AllowedConflicts lists conflict pairs tolerated by
	// configuration. Order within a pair does not matter.
	AllowedConflicts [][2]string
}

// Result is the resolved plan. Failed plugins hit a per-plugin
// problem (missing dependency, unresolvable capability); Skipped
// plugins were dropped because something they depend on failed.
// Neither aborts the boot. Stuck plugins sit on a dependency cycle:
// Order still covers the acyclic remainder, and Err reports the
// cycle, which the kernel treats as boot-fatal.
type Result struct {
	Order   []string
	Failed  map[string]error
	Skipped map[string]string
	Stuck   []string
}

// Err returns the boot-fatal cycle error, or nil when the plan is
// loadable.
func (r *Result) Err() error {
	if len(r.Stuck) > 0 {
		return &CycleError{IDs: r.Stuck}
	}
	return nil
}

type pair struct {
	a, b string
}

func normalizePair(x, y string) pair {
	if x > y {
		x, y = y, x
	}
	return pair{x, y}
}

// LoadOrder resolves the load order for the enabled set. Duplicate
// ids and non-allow-listed conflicts return an error outright;
// per-plugin problems and cycles are reported in the Result, cycles
// via Result.Err.
func LoadOrder(input Input) (*Result, error) {
	byID := make(map[string]*manifest.Manifest, len(input.Manifests))
	for _, m := range input.Manifests {
		if _, ok := byID[m.PluginID]; ok {
			return nil, fmt.Errorf("plugin %s enabled twice", m.PluginID)
		}
		byID[m.PluginID] = m
	}

	if err := checkConflicts(byID, input.AllowedConflicts); err != nil {
		return nil, err
	}

	providers := providerIndex(input.Manifests)
	result := &Result{
		Failed:  make(map[string]error),
		Skipped: make(map[string]string),
	}

	deps := make(map[string]map[string]bool, len(byID))
	for id, m := range byID {
		edges, err := dependencyEdges(m, byID, providers, input)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		deps[id] = edges
	}

	// A plugin whose dependency failed cannot load either; drop the
	// whole downstream closure before ordering.
	for {
		changed := false
		for id, edges := range deps {
			for dep := range edges {
				_, failed := result.Failed[dep]
				_, skipped := result.Skipped[dep]
				if failed || skipped {
					result.Skipped[id] = fmt.Sprintf("dependency %s did not load", dep)
					delete(deps, id)
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	result.Order, result.Stuck = kahnOrder(deps)
	return result, nil
}

func checkConflicts(byID map[string]*manifest.Manifest, allowList [][2]string) error {
	allowed := make(map[pair]bool, len(allowList))
	for _, p := range allowList {
		allowed[normalizePair(p[0], p[1])] = true
	}

	declared := make(map[pair]bool)
	for id, m := range byID {
		for _, other := range slices.Concat(m.ConflictsWith, m.Replaces) {
			if _, enabled := byID[other]; !enabled || other == id {
				continue
			}
			declared[normalizePair(id, other)] = true
		}
	}

	pairs := make([]pair, 0, len(declared))
	for p := range declared {
		if !allowed[p] {
			pairs = append(pairs, p)
		}
	}
	slices.SortFunc(pairs, func(x, y pair) int {
		if c := strings.Compare(x.a, y.a); c != 0 {
			return c
		}
		return strings.Compare(x.b, y.b)
	})

	var errs []error
	for _, p := range pairs {
		errs = append(errs, &ConflictError{A: p.a, B: p.b})
	}
	return errors.Join(errs...)
}

// providerIndex maps capability name to the enabled plugins that
// provide it, sorted for deterministic candidate lists.
func providerIndex(manifests []*manifest.Manifest) map[string][]string {
	index := make(map[string][]string)
	for _, m := range manifests {
		for _, name := range m.ProvidedCapabilities() {
			index[name] = append(index[name], m.PluginID)
		}
	}
	for name := range index {
		slices.Sort(index[name])
	}
	return index
}

// dependencyEdges computes the plugins that must load before m.
func dependencyEdges(m *manifest.Manifest, byID map[string]*manifest.Manifest, providers map[string][]string, input Input) (map[string]bool, error) {
	edges := make(map[string]bool)
	for _, dep := range m.DependsOn {
		if _, ok := byID[dep]; !ok {
			return nil, fmt.Errorf("depends on %s, which is not enabled", dep)
		}
		if dep != m.PluginID {
			edges[dep] = true
		}
	}
	for _, name := range m.RequiredCapabilities {
		selected, err := selectProvider(name, providers[name], input)
		if err != nil {
			return nil, fmt.Errorf("required capability %s: %w", name, err)
		}
		// A plugin satisfying its own requirement needs no edge.
		if selected != m.PluginID {
			edges[selected] = true
		}
	}
	return edges, nil
}

// selectProvider applies the registry's provider ordering and takes
// the winner.
func selectProvider(name string, candidates []string, input Input) (string, error) {
	policy, ok := input.Policies[name]
	if !ok {
		policy = capability.DefaultPolicy()
	}
	ordered, err := capability.OrderPluginIDs(name, candidates, policy, input.Rates)
	if err != nil {
		return "", err
	}
	return ordered[0], nil
}

// kahnOrder extracts ready nodes in lexicographic batches. Leftover
// nodes all sit on a cycle (or depend on one) and come back sorted in
// stuck.
func kahnOrder(deps map[string]map[string]bool) (order, stuck []string) {
	remaining := make(map[string]map[string]bool, len(deps))
	for id, edges := range deps {
		set := make(map[string]bool, len(edges))
		for dep := range edges {
			// Edges to plugins outside the ordered set (failed or
			// skipped) were rejected earlier; keep only live ones.
			if _, ok := deps[dep]; ok {
				set[dep] = true
			}
		}
		remaining[id] = set
	}

	order = make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		var ready []string
		for id, set := range remaining {
			if len(set) == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			stuck = make([]string, 0, len(remaining))
			for id := range remaining {
				stuck = append(stuck, id)
			}
			slices.Sort(stuck)
			return order, stuck
		}
		slices.Sort(ready)
		for _, id := range ready {
			order = append(order, id)
			delete(remaining, id)
		}
		for _, set := range remaining {
			for _, id := range ready {
				delete(set, id)
			}
		}
	}
	return order, nil
}

// SafeModeSet computes the minimal plugin set able to satisfy the
// given capabilities: the selected provider for each, plus the
// transitive closure of their dependencies. The returned ids are
// sorted; order them with LoadOrder restricted to this set.
func SafeModeSet(input Input, required []string) ([]string, error) {
	byID := make(map[string]*manifest.Manifest, len(input.Manifests))
	for _, m := range input.Manifests {
		byID[m.PluginID] = m
	}
	providers := providerIndex(input.Manifests)

	include := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if include[id] {
			return nil
		}
		include[id] = true
		m, ok := byID[id]
		if !ok {
			return fmt.Errorf("plugin %s is not enabled", id)
		}
		edges, err := dependencyEdges(m, byID, providers, input)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", id, err)
		}
		for dep := range edges {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range required {
		selected, err := selectProvider(name, providers[name], input)
		if err != nil {
			return nil, fmt.Errorf("safe mode capability %s: %w", name, err)
		}
		if err := visit(selected); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(include))
	for id := range include {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
