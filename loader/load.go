// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/capability"
	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/plugin"
	"github.com/tessera-dev/tessera/resolve"
	"github.com/tessera-dev/tessera/trust"
)

// Load runs a full load pass: discover, exclude, resolve order,
// verify, instantiate, handshake, and build the capability registry.
// A repeated Load tears the previous pass down first.
func (k *Kernel) Load(ctx context.Context) (*LoadReport, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, fmt.Errorf("loader: kernel is closed")
	}
	previous := k.instances
	k.instances = make(map[string]*instance)
	k.mu.Unlock()
	for id, inst := range previous {
		if inst.plug != nil {
			if err := inst.plug.Close(); err != nil {
				k.logger.Warn("plugin close failed", "plugin_id", id, "error", err)
			}
		}
		if inst.mode == manifest.KindSubprocess {
			k.pool.Invalidate(id)
		}
	}

	report := newLoadReport()

	kernelInfo := manifest.KernelInfo{
		APIVersion:     k.cfg.Kernel.APIVersion,
		SchemaVersions: k.cfg.Kernel.SchemaVersions,
	}
	manifests, failures := manifest.Discover(k.cfg.Paths.SearchRoots, manifest.DiscoverOptions{
		Kernel:    kernelInfo,
		Validator: k.validator,
		Logger:    k.logger,
	})
	for _, failure := range failures {
		id := failure.PluginID
		if id == "" {
			id = failure.Path
		}
		report.fail(id, failure.Err)
	}

	eligible := k.filterEligible(manifests, report)

	lockfile, lockSHA, err := trust.ReadLockfile(k.cfg.Paths.Lockfile)
	if err != nil {
		return nil, fmt.Errorf("loader: reading lockfile: %w", err)
	}
	if k.cfg.Trust.RequireSignature {
		if err := k.verifyLockSignature(lockSHA); err != nil {
			return nil, err
		}
	}

	policies, err := k.cfg.CapabilityPolicies()
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	rates := k.failureRates(ctx)

	input := resolve.Input{
		Manifests:        eligible,
		Policies:         policies,
		Rates:            rates,
		AllowedConflicts: k.cfg.ConflictPairs(),
	}
	result, err := resolve.LoadOrder(input)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	for id, resolveErr := range result.Failed {
		report.fail(id, resolveErr)
	}
	for id, reason := range result.Skipped {
		report.skip(id, reason)
	}

	order := result.Order
	if k.cfg.SafeMode.Enabled {
		order, err = k.safeModeOrder(input, order, report)
		if err != nil {
			return nil, err
		}
	}

	byID := make(map[string]*manifest.Manifest, len(eligible))
	for _, m := range eligible {
		byID[m.PluginID] = m
	}

	unloadable := make(map[string]bool)
	for id := range report.Failed {
		unloadable[id] = true
	}
	for id := range report.Skipped {
		unloadable[id] = true
	}

	for _, id := range order {
		m := byID[id]
		if dep, blocked := blockedDependency(m, unloadable); blocked {
			report.skip(id, "dependency "+dep+" did not load")
			unloadable[id] = true
			continue
		}
		inst, err := k.loadOne(ctx, m, lockfile)
		if err != nil {
			k.logger.Warn("plugin failed to load", "plugin_id", id, "error", err)
			report.fail(id, err)
			unloadable[id] = true
			continue
		}
		k.setInstance(id, inst)
		report.Loaded = append(report.Loaded, id)
		k.logger.Info("plugin loaded",
			"plugin_id", id,
			"mode", inst.mode,
			"provides", inst.manifest.ProvidedCapabilities())
	}

	if err := k.rebuildRegistry(policies, rates); err != nil {
		return nil, err
	}
	k.refreshCoreProviders()

	k.mu.Lock()
	k.report = report
	k.mu.Unlock()

	k.eagerStart(ctx)
	return report, nil
}

// filterEligible applies the enabled list, the blocklist, and the
// quarantine set, in that precedence order.
func (k *Kernel) filterEligible(manifests []*manifest.Manifest, report *LoadReport) []*manifest.Manifest {
	enabled := make(map[string]bool, len(k.cfg.Plugins.Enabled))
	for _, id := range k.cfg.Plugins.Enabled {
		enabled[id] = true
	}
	blocked := make(map[string]bool, len(k.cfg.Plugins.Blocklist))
	for _, id := range k.cfg.Plugins.Blocklist {
		blocked[id] = true
	}

	eligible := make([]*manifest.Manifest, 0, len(manifests))
	for _, m := range manifests {
		switch {
		case len(enabled) > 0 && !enabled[m.PluginID]:
			report.skip(m.PluginID, "not in plugins.enabled")
		case blocked[m.PluginID]:
			report.skip(m.PluginID, "blocklisted")
		case k.quarantine.Has(m.PluginID):
			entry, _ := k.quarantine.Get(m.PluginID)
			report.skip(m.PluginID, "quarantined: "+entry.Reason)
		default:
			eligible = append(eligible, m)
		}
	}
	return eligible
}

func (k *Kernel) verifyLockSignature(lockSHA string) error {
	signature, err := trust.ReadSignature(k.cfg.Paths.Signature)
	if err != nil {
		return fmt.Errorf("loader: reading lockfile signature: %w", err)
	}
	rootKey, err := k.cfg.RootKey()
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if len(rootKey) == 0 {
		return fmt.Errorf("loader: lockfile signature required but no root key material is configured")
	}
	if err := signature.Verify(lockSHA, rootKey); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	return nil
}

// failureRates queries the audit store for provider ordering. A
// query failure downgrades to lexicographic ordering rather than
// failing the load.
func (k *Kernel) failureRates(ctx context.Context) map[string]audit.Rate {
	rates, err := k.store.FailureRates(ctx, k.cfg.FailureWindow())
	if err != nil {
		k.logger.Warn("failure rate query failed", "error", err)
		return nil
	}
	return rates
}

func (k *Kernel) safeModeOrder(input resolve.Input, order []string, report *LoadReport) ([]string, error) {
	set, err := resolve.SafeModeSet(input, k.cfg.SafeMode.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("loader: safe mode: %w", err)
	}
	members := make(map[string]bool, len(set))
	for _, id := range set {
		members[id] = true
	}
	kept := make([]string, 0, len(set))
	for _, id := range order {
		if members[id] {
			kept = append(kept, id)
		} else {
			report.skip(id, "outside the safe-mode set")
		}
	}
	return kept, nil
}

// blockedDependency returns the first declared dependency that
// failed or was skipped earlier in the pass.
func blockedDependency(m *manifest.Manifest, unloadable map[string]bool) (string, bool) {
	for _, dep := range m.DependsOn {
		if unloadable[dep] {
			return dep, true
		}
	}
	return "", false
}

// loadOne verifies and instantiates a single plugin. Permission
// checks run before trust verification so a misconfigured plugin
// fails with the more actionable error.
func (k *Kernel) loadOne(ctx context.Context, m *manifest.Manifest, lockfile *trust.Lockfile) (*instance, error) {
	id := m.PluginID
	entry := m.Hosting()

	if entry.Kind == manifest.KindInproc && !slices.Contains(k.cfg.Hosting.InprocAllowlist, id) {
		return nil, &NotAllowlistedError{PluginID: id}
	}
	if m.Permissions.Network && !k.networkAllowed(id) {
		return nil, &capability.PolicyError{
			Capability: "network",
			Reason:     "plugin " + id + " is not on a network allow-list",
		}
	}

	lockEntry, err := lockfile.Entry(id)
	if err != nil {
		return nil, err
	}
	if err := trust.Verify(trust.Target{
		PluginID:         id,
		ManifestPath:     m.Path,
		ArtifactDir:      m.Dir,
		KernelAPIVersion: k.cfg.Kernel.APIVersion,
	}, lockEntry); err != nil {
		return nil, err
	}

	override := k.cfg.Guards.Overrides[id]
	filesystem, err := guard.PolicyFor(m.FilesystemLevel(),
		override.Read, override.Write,
		k.cfg.Guards.DefaultReadRoots, k.cfg.Guards.DefaultWriteRoots)
	if err != nil {
		return nil, err
	}

	settings := k.cfg.Plugins.Settings[id]
	settingsHash, err := audit.HashSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("hashing settings: %w", err)
	}

	inst := &instance{
		manifest:     m,
		entry:        entry,
		mode:         entry.Kind,
		settings:     settings,
		settingsHash: settingsHash,
		codeHash:     lockEntry.ArtifactSHA256,
		filesystem:   filesystem,
		network:      m.Permissions.Network,
	}

	switch entry.Kind {
	case manifest.KindInproc:
		factory, ok := plugin.LookupFactory(entry.ID)
		if !ok {
			return nil, fmt.Errorf("inproc entrypoint %q has no registered factory", entry.ID)
		}
		p, err := factory(plugin.Env{
			Settings: settings,
			Caps:     &kernelCaller{kernel: k, pluginID: id, required: m.RequiredCapabilities},
			Logger:   k.logger.With("plugin_id", id),
		})
		if err != nil {
			return nil, fmt.Errorf("instantiating: %w", err)
		}
		inst.plug = p
		inst.invoker = p
		inst.functions = p.Capabilities()

	case manifest.KindSubprocess:
		// The pool's spawn hook resolves through the instance
		// table, so the entry goes in before the first Get.
		k.setInstance(id, inst)
		h, err := k.pool.Get(ctx, id)
		if err != nil {
			k.dropInstance(id)
			return nil, fmt.Errorf("starting subprocess: %w", err)
		}
		functions, err := h.Capabilities(ctx)
		if err != nil {
			k.pool.Invalidate(id)
			k.dropInstance(id)
			return nil, fmt.Errorf("capabilities handshake: %w", err)
		}
		inst.functions = functions
		inst.invoker = &poolInvoker{pool: k.pool, pluginID: id}

	default:
		return nil, fmt.Errorf("unsupported hosting kind %q", entry.Kind)
	}

	for _, name := range m.ProvidedCapabilities() {
		if len(inst.functions[name]) == 0 {
			k.stopInstance(id, inst)
			return nil, fmt.Errorf("declared capability %q is not implemented", name)
		}
	}
	return inst, nil
}

func (k *Kernel) networkAllowed(id string) bool {
	return slices.Contains(k.cfg.Network.Internet, id) ||
		slices.Contains(k.cfg.Network.Localhost, id)
}

// providersLocked flattens the instance table into registry
// providers, sorted by plugin id for deterministic registry builds.
func (k *Kernel) providersLocked() []capability.Provider {
	ids := slices.Sorted(maps.Keys(k.instances))
	var providers []capability.Provider
	for _, id := range ids {
		inst := k.instances[id]
		for _, name := range inst.manifest.ProvidedCapabilities() {
			functions := make(map[string]bool, len(inst.functions[name]))
			for _, f := range inst.functions[name] {
				functions[f] = true
			}
			providers = append(providers, capability.Provider{
				PluginID:       id,
				Capability:     name,
				Functions:      functions,
				Invoker:        inst.invoker,
				Contract:       k.contracts[name],
				Filesystem:     inst.filesystem,
				NetworkAllowed: inst.network,
				CodeHash:       inst.codeHash,
				SettingsHash:   inst.settingsHash,
			})
		}
	}
	return providers
}

func (k *Kernel) rebuildRegistry(policies map[string]capability.Policy, rates map[string]audit.Rate) error {
	k.mu.Lock()
	providers := k.providersLocked()
	k.mu.Unlock()

	registry, err := capability.Build(providers, policies, rates, k.env)
	if err != nil {
		return fmt.Errorf("loader: building registry: %w", err)
	}

	k.mu.Lock()
	k.registry = registry
	k.mu.Unlock()
	return nil
}

// eagerStart warms the configured subprocess hosts. Failures are
// logged, not fatal: the host spawns again on first call.
func (k *Kernel) eagerStart(ctx context.Context) {
	for _, id := range k.cfg.Hosting.EagerStart {
		k.mu.Lock()
		inst := k.instances[id]
		k.mu.Unlock()
		if inst == nil || inst.mode != manifest.KindSubprocess {
			continue
		}
		if _, err := k.pool.Get(ctx, id); err != nil {
			k.logger.Warn("eager start failed", "plugin_id", id, "error", err)
		}
	}
}
