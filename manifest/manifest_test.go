// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"slices"
	"strings"
	"testing"
)

func validManifest() *Manifest {
	return &Manifest{
		PluginID: "ocr.fast",
		Version:  "1.4.2",
		Entrypoints: []Entrypoint{
			{Kind: KindSubprocess, ID: "main", Path: "bin/ocr-fast"},
		},
		Permissions: Permissions{Filesystem: FilesystemRead},
		Compat:      Compat{Kernel: ">=1.0, <2.0"},
		Provides:    []string{"ocr.image"},
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := validManifest().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantSub string
	}{
		{
			name:    "missing plugin id",
			mutate:  func(m *Manifest) { m.PluginID = "" },
			wantSub: "plugin_id is required",
		},
		{
			name:    "uppercase plugin id",
			mutate:  func(m *Manifest) { m.PluginID = "OCR.Fast" },
			wantSub: "lowercase",
		},
		{
			name:    "missing version",
			mutate:  func(m *Manifest) { m.Version = "" },
			wantSub: "version is required",
		},
		{
			name:    "garbage version",
			mutate:  func(m *Manifest) { m.Version = "latest" },
			wantSub: "dotted version",
		},
		{
			name:    "no entrypoints",
			mutate:  func(m *Manifest) { m.Entrypoints = nil },
			wantSub: "entrypoint",
		},
		{
			name: "two hosting entrypoints",
			mutate: func(m *Manifest) {
				m.Entrypoints = append(m.Entrypoints, Entrypoint{Kind: KindInproc, ID: "alt"})
			},
			wantSub: "multiple hosting entrypoints",
		},
		{
			name: "subprocess without path",
			mutate: func(m *Manifest) {
				m.Entrypoints = []Entrypoint{{Kind: KindSubprocess, ID: "main"}}
			},
			wantSub: "requires path",
		},
		{
			name: "entrypoint path escapes plugin dir",
			mutate: func(m *Manifest) {
				m.Entrypoints[0].Path = "../outside/bin"
			},
			wantSub: "inside the plugin directory",
		},
		{
			name: "absolute entrypoint path",
			mutate: func(m *Manifest) {
				m.Entrypoints[0].Path = "/usr/bin/true"
			},
			wantSub: "inside the plugin directory",
		},
		{
			name: "inproc without id",
			mutate: func(m *Manifest) {
				m.Entrypoints = []Entrypoint{{Kind: KindInproc}}
			},
			wantSub: "inproc requires id",
		},
		{
			name:    "unknown filesystem level",
			mutate:  func(m *Manifest) { m.Permissions.Filesystem = "full" },
			wantSub: "permissions.filesystem",
		},
		{
			name:    "self dependency",
			mutate:  func(m *Manifest) { m.DependsOn = []string{"ocr.fast"} },
			wantSub: "plugin itself",
		},
		{
			name:    "self conflict via replaces",
			mutate:  func(m *Manifest) { m.Replaces = []string{"ocr.fast"} },
			wantSub: "plugin itself",
		},
		{
			name:    "bad capability name",
			mutate:  func(m *Manifest) { m.Provides = []string{"OCR IMAGE"} },
			wantSub: "provides",
		},
		{
			name: "bad capability entrypoint kind",
			mutate: func(m *Manifest) {
				m.Entrypoints = append(m.Entrypoints, Entrypoint{Kind: "OCR IMAGE"})
			},
			wantSub: "neither a hosting kind nor a capability name",
		},
		{
			name:    "unparseable kernel range",
			mutate:  func(m *Manifest) { m.Compat.Kernel = "approximately 2" },
			wantSub: "compat.kernel",
		},
		{
			name: "bad hash lock digest",
			mutate: func(m *Manifest) {
				m.HashLock = &HashLock{ManifestSHA256: "zz"}
			},
			wantSub: "hash_lock.manifest_sha256",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad manifest")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	m := validManifest()
	m.PluginID = ""
	m.Version = ""
	err := m.Validate()
	if err == nil {
		t.Fatal("Validate accepted a doubly-bad manifest")
	}
	for _, want := range []string{"plugin_id is required", "version is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestHostingAndDefaults(t *testing.T) {
	m := validManifest()
	if got := m.Hosting(); got.Kind != KindSubprocess || got.Path != "bin/ocr-fast" {
		t.Errorf("Hosting = %+v", got)
	}

	m.Permissions.Filesystem = ""
	if got := m.FilesystemLevel(); got != FilesystemNone {
		t.Errorf("FilesystemLevel = %q, want none", got)
	}

	if !m.ProvidesCapability("ocr.image") {
		t.Error("ProvidesCapability(ocr.image) = false")
	}
	if m.ProvidesCapability("storage.kv") {
		t.Error("ProvidesCapability(storage.kv) = true")
	}
}

func TestCapabilityEntrypointKinds(t *testing.T) {
	m := validManifest()
	m.Entrypoints = append(m.Entrypoints,
		Entrypoint{Kind: "ocr.pdf", ID: "pdf"},
		Entrypoint{Kind: "ocr.image"},
	)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	got := m.ProvidedCapabilities()
	want := []string{"ocr.image", "ocr.pdf"}
	if !slices.Equal(got, want) {
		t.Errorf("ProvidedCapabilities = %v, want %v", got, want)
	}

	if !m.ProvidesCapability("ocr.pdf") {
		t.Error("ProvidesCapability(ocr.pdf) = false")
	}
	if m.ProvidesCapability("subprocess") {
		t.Error("ProvidesCapability(subprocess) = true for a hosting kind")
	}
}
