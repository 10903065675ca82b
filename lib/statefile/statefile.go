// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists small JSON state documents atomically.
// Writers that must survive crashes mid-write (quarantine sets, lock
// material) go through Save: the document lands in a temp file that is
// fsynced, renamed over the target, and followed by a parent directory
// sync, so readers observe either the old document or the new one,
// never a torn write.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes v as indented JSON to path atomically. The parent
// directory is created if missing.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", path, err)
	}
	return SaveBytes(path, append(data, '\n'))
}

// SaveBytes writes data to path with the same atomicity guarantees as
// Save. Callers that need the exact on-disk bytes (for hashing or
// signing) marshal themselves and come through here.
func SaveBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}

	// Sync the directory so the rename itself is durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the JSON document at path into v. A missing file is
// reported with an error wrapping os.ErrNotExist so callers can treat
// absence as an empty state.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding state file %s: %w", path, err)
	}
	return nil
}

// Remove deletes the state file. Removing a file that does not exist
// is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
