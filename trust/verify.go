// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

// Target describes the on-disk plugin being verified against its
// lock entry, plus the running kernel's view of the optional pins.
type Target struct {
	// PluginID names the plugin in verification errors.
	PluginID string

	// ManifestPath is the manifest file whose raw bytes are hashed.
	ManifestPath string

	// ArtifactDir is the plugin directory whose tree is hashed.
	ArtifactDir string

	// KernelAPIVersion is the running kernel API version, compared
	// exactly when the lock entry pins one. Empty skips the check
	// only if the entry carries no pin.
	KernelAPIVersion string

	// ContractHash is the hash of the plugin's declared I/O
	// contracts, compared when the lock entry pins one.
	ContractHash string
}

// Verify recomputes the target's manifest and artifact hashes and
// compares every pin in the lock entry. The first mismatch is
// returned as a *Error naming the plugin and the differing field.
// Hash computation failures (unreadable files, symlinks in the tree)
// are returned as-is: an unhashable plugin is untrusted.
func Verify(target Target, entry LockEntry) error {
	manifestHash, err := HashFile(target.ManifestPath)
	if err != nil {
		return err
	}
	if manifestHash != entry.ManifestSHA256 {
		return &Error{
			PluginID: target.PluginID,
			Field:    FieldManifest,
			Want:     entry.ManifestSHA256,
			Got:      manifestHash,
		}
	}

	artifactHash, err := HashTree(target.ArtifactDir)
	if err != nil {
		return err
	}
	if artifactHash != entry.ArtifactSHA256 {
		return &Error{
			PluginID: target.PluginID,
			Field:    FieldArtifact,
			Want:     entry.ArtifactSHA256,
			Got:      artifactHash,
		}
	}

	if entry.KernelAPIVersion != "" && entry.KernelAPIVersion != target.KernelAPIVersion {
		return &Error{
			PluginID: target.PluginID,
			Field:    FieldKernelAPI,
			Want:     entry.KernelAPIVersion,
			Got:      target.KernelAPIVersion,
		}
	}

	if entry.ContractLockHash != "" && entry.ContractLockHash != target.ContractHash {
		return &Error{
			PluginID: target.PluginID,
			Field:    FieldContract,
			Want:     entry.ContractLockHash,
			Got:      target.ContractHash,
		}
	}

	return nil
}

// Pin computes a fresh lock entry for the target, preserving the
// optional pins it carries. This is the write side of Verify, used by
// the offline lock-update step.
func Pin(target Target) (LockEntry, error) {
	manifestHash, err := HashFile(target.ManifestPath)
	if err != nil {
		return LockEntry{}, err
	}
	artifactHash, err := HashTree(target.ArtifactDir)
	if err != nil {
		return LockEntry{}, err
	}
	return LockEntry{
		ManifestSHA256:   manifestHash,
		ArtifactSHA256:   artifactHash,
		KernelAPIVersion: target.KernelAPIVersion,
		ContractLockHash: target.ContractHash,
	}, nil
}
