// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// pluginFixture lays out a plugin directory with a manifest and one
// source file, returning a Target pinned by Pin.
func pluginFixture(t *testing.T) (Target, LockEntry) {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "plugin.manifest.json")
	writeTree(t, dir, map[string]string{
		"plugin.manifest.json": `{"plugin_id": "ocr.fast"}`,
		"main.py":              "def run():\n    pass\n",
	}, []string{"plugin.manifest.json", "main.py"})

	target := Target{
		PluginID:         "ocr.fast",
		ManifestPath:     manifestPath,
		ArtifactDir:      dir,
		KernelAPIVersion: "1.2",
	}
	entry, err := Pin(target)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	return target, entry
}

func TestVerifyCleanPluginPasses(t *testing.T) {
	target, entry := pluginFixture(t)
	if err := Verify(target, entry); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyDetectsManifestTamper(t *testing.T) {
	target, entry := pluginFixture(t)
	if err := os.WriteFile(target.ManifestPath, []byte(`{"plugin_id": "ocr.evil"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := Verify(target, entry)
	var trustErr *Error
	if !errors.As(err, &trustErr) {
		t.Fatalf("Verify error = %T (%v), want *trust.Error", err, err)
	}
	if trustErr.Field != FieldManifest {
		t.Errorf("Field = %s, want %s", trustErr.Field, FieldManifest)
	}
	if trustErr.PluginID != "ocr.fast" {
		t.Errorf("PluginID = %s, want ocr.fast", trustErr.PluginID)
	}
}

func TestVerifyDetectsArtifactTamper(t *testing.T) {
	target, entry := pluginFixture(t)
	if err := os.WriteFile(filepath.Join(target.ArtifactDir, "main.py"),
		[]byte("def run():\n    exfiltrate()\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// The manifest is untouched, so the mismatch must be attributed
	// to the artifact tree, not the manifest.
	err := Verify(target, entry)
	var trustErr *Error
	if !errors.As(err, &trustErr) {
		t.Fatalf("Verify error = %T (%v), want *trust.Error", err, err)
	}
	if trustErr.Field != FieldArtifact {
		t.Errorf("Field = %s, want %s", trustErr.Field, FieldArtifact)
	}
}

func TestVerifyChecksOptionalPins(t *testing.T) {
	target, entry := pluginFixture(t)

	entry.KernelAPIVersion = "9.9"
	err := Verify(target, entry)
	var trustErr *Error
	if !errors.As(err, &trustErr) || trustErr.Field != FieldKernelAPI {
		t.Errorf("kernel pin mismatch = %v, want FieldKernelAPI trust error", err)
	}

	entry.KernelAPIVersion = target.KernelAPIVersion
	entry.ContractLockHash = HashBytes([]byte("other contracts"))
	target.ContractHash = HashBytes([]byte("these contracts"))
	err = Verify(target, entry)
	if !errors.As(err, &trustErr) || trustErr.Field != FieldContract {
		t.Errorf("contract pin mismatch = %v, want FieldContract trust error", err)
	}
}

func TestVerifyFailsOnSymlinkedTree(t *testing.T) {
	target, entry := pluginFixture(t)
	if err := os.Symlink("/etc/passwd", filepath.Join(target.ArtifactDir, "sneaky")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := Verify(target, entry); !errors.Is(err, ErrSymlink) {
		t.Errorf("Verify = %v, want ErrSymlink", err)
	}
}
