// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"fmt"
)

// ErrSymlink is wrapped by tree-hashing errors when a symlink is
// encountered anywhere inside a plugin directory. Symlinks are never
// followed and never skipped: a tree containing one cannot be hashed,
// because the link target is outside the pinned content.
var ErrSymlink = errors.New("symlink in plugin tree")

// Field names the part of a lock entry that failed verification.
type Field string

const (
	// FieldLockEntry: the plugin has no entry in the lockfile at all.
	FieldLockEntry Field = "lock_entry"

	// FieldManifest: the manifest file's SHA-256 differs from the pin.
	FieldManifest Field = "manifest_sha256"

	// FieldArtifact: the artifact tree hash differs from the pin.
	FieldArtifact Field = "artifact_sha256"

	// FieldKernelAPI: the pinned kernel API version does not match the
	// running kernel.
	FieldKernelAPI Field = "kernel_api_version"

	// FieldContract: the pinned I/O contract hash differs from the
	// plugin's declared contracts.
	FieldContract Field = "contract_lock_hash"
)

// Error reports a trust verification failure for one plugin: which
// pin differed and both sides of the comparison. Trust failures are
// fatal for the affected plugin; loading continues for others.
type Error struct {
	PluginID string
	Field    Field
	Want     string // value pinned in the lock entry
	Got      string // value computed from the on-disk plugin
}

func (e *Error) Error() string {
	if e.Field == FieldLockEntry {
		return fmt.Sprintf("trust: plugin %s has no lockfile entry", e.PluginID)
	}
	return fmt.Sprintf("trust: plugin %s: %s mismatch: lock pins %s, computed %s",
		e.PluginID, e.Field, e.Want, e.Got)
}
