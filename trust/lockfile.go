// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tessera-dev/tessera/lib/statefile"
)

// LockfileVersion is the current lockfile format version.
const LockfileVersion = 1

// Lockfile pins every enabled plugin's content. Produced by the
// offline lock-update step, consumed read-only at boot.
type Lockfile struct {
	// Version is the lockfile format version. Readers reject versions
	// they do not understand rather than guessing.
	Version int `json:"version"`

	// Plugins maps plugin id to its pins.
	Plugins map[string]LockEntry `json:"plugins"`
}

// LockEntry pins one plugin.
type LockEntry struct {
	// ManifestSHA256 is the hash of the raw manifest file bytes.
	ManifestSHA256 string `json:"manifest_sha256"`

	// ArtifactSHA256 is the tree hash of the plugin directory.
	ArtifactSHA256 string `json:"artifact_sha256"`

	// KernelAPIVersion optionally pins the kernel API version the
	// plugin was locked against. Exact-match checked when present.
	KernelAPIVersion string `json:"kernel_api_version,omitempty"`

	// ContractLockHash optionally pins the plugin's declared I/O
	// contracts (hash over their canonical encoding).
	ContractLockHash string `json:"contract_lock_hash,omitempty"`
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Entry returns the lock entry for pluginID, or a trust Error with
// FieldLockEntry if the plugin is not locked.
func (lf *Lockfile) Entry(pluginID string) (LockEntry, error) {
	entry, ok := lf.Plugins[pluginID]
	if !ok {
		return LockEntry{}, &Error{PluginID: pluginID, Field: FieldLockEntry}
	}
	return entry, nil
}

// ReadLockfile loads the lockfile at path and returns it together
// with the SHA-256 of its raw bytes, which is what the detached
// signature covers.
func ReadLockfile(path string) (*Lockfile, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading lockfile: %w", err)
	}

	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, "", fmt.Errorf("decoding lockfile %s: %w", path, err)
	}
	if lf.Version != LockfileVersion {
		return nil, "", fmt.Errorf("lockfile %s: unsupported version %d (want %d)",
			path, lf.Version, LockfileVersion)
	}
	for id, entry := range lf.Plugins {
		if !hexDigest.MatchString(entry.ManifestSHA256) {
			return nil, "", fmt.Errorf("lockfile %s: plugin %s: malformed manifest_sha256", path, id)
		}
		if !hexDigest.MatchString(entry.ArtifactSHA256) {
			return nil, "", fmt.Errorf("lockfile %s: plugin %s: malformed artifact_sha256", path, id)
		}
	}
	return &lf, HashBytes(data), nil
}

// WriteLockfile writes lf to path atomically and returns the SHA-256
// of the bytes written, for signing.
func WriteLockfile(path string, lf *Lockfile) (string, error) {
	lf.Version = LockfileVersion
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding lockfile: %w", err)
	}
	data = append(data, '\n')
	if err := statefile.SaveBytes(path, data); err != nil {
		return "", fmt.Errorf("writing lockfile: %w", err)
	}
	return HashBytes(data), nil
}
