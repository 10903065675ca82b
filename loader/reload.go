// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/trust"
)

// Reload replaces the named plugin instances with freshly verified
// ones. The pass is all-or-nothing at the trust gate: every target
// is re-verified against the lockfile on disk before anything stops,
// and any mismatch aborts the whole reload with the prior registry
// intact. Instantiation failures after the gate fail per plugin,
// like a load pass.
func (k *Kernel) Reload(ctx context.Context, ids []string) (*LoadReport, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("loader: no plugins named for reload")
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, fmt.Errorf("loader: kernel is closed")
	}
	targets := make(map[string]*instance, len(ids))
	for _, id := range ids {
		inst, ok := k.instances[id]
		if !ok {
			k.mu.Unlock()
			return nil, fmt.Errorf("loader: plugin %s is not loaded", id)
		}
		targets[id] = inst
	}
	k.mu.Unlock()

	sorted := slices.Sorted(slices.Values(ids))
	sorted = slices.Compact(sorted)

	lockfile, lockSHA, err := trust.ReadLockfile(k.cfg.Paths.Lockfile)
	if err != nil {
		return nil, &ReloadError{IDs: sorted, Err: err}
	}
	if k.cfg.Trust.RequireSignature {
		if err := k.verifyLockSignature(lockSHA); err != nil {
			return nil, &ReloadError{IDs: sorted, Err: err}
		}
	}

	kernelInfo := manifest.KernelInfo{
		APIVersion:     k.cfg.Kernel.APIVersion,
		SchemaVersions: k.cfg.Kernel.SchemaVersions,
	}

	// Verification gate. Nothing stops until every target passes.
	fresh := make(map[string]*manifest.Manifest, len(sorted))
	var mismatched []string
	var verifyErrs []error
	for _, id := range sorted {
		m, err := k.verifyTarget(id, targets[id], lockfile, kernelInfo)
		if err != nil {
			mismatched = append(mismatched, id)
			verifyErrs = append(verifyErrs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fresh[id] = m
	}
	if len(mismatched) > 0 {
		return nil, &ReloadError{IDs: mismatched, Err: errors.Join(verifyErrs...)}
	}

	report := newLoadReport()
	for _, id := range sorted {
		k.stopInstance(id, targets[id])
		inst, err := k.loadOne(ctx, fresh[id], lockfile)
		if err != nil {
			k.logger.Warn("plugin failed to reload", "plugin_id", id, "error", err)
			report.fail(id, err)
			continue
		}
		k.setInstance(id, inst)
		report.Loaded = append(report.Loaded, id)
		k.logger.Info("plugin reloaded", "plugin_id", id, "mode", inst.mode)
	}

	policies, err := k.cfg.CapabilityPolicies()
	if err != nil {
		return report, fmt.Errorf("loader: %w", err)
	}
	if err := k.rebuildRegistry(policies, k.failureRates(ctx)); err != nil {
		return report, err
	}
	k.refreshCoreProviders()
	return report, nil
}

// verifyTarget re-parses the target's manifest from disk and checks
// it against the lock entry.
func (k *Kernel) verifyTarget(id string, old *instance, lockfile *trust.Lockfile, kernelInfo manifest.KernelInfo) (*manifest.Manifest, error) {
	path := old.manifest.Path
	m, err := manifest.ParseFile(path, k.validator)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(path)
	if m.PluginID != id {
		return nil, fmt.Errorf("manifest now names %q", m.PluginID)
	}
	if err := m.CompatibleWith(kernelInfo); err != nil {
		return nil, err
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
	return m, nil
}
