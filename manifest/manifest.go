// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the plugin manifest: the JSON document a
// plugin ships alongside its code declaring identity, entrypoints,
// permissions, capabilities, and compatibility constraints. Manifests
// are immutable once loaded for a run and re-read only on hot reload.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// FileName is the manifest file name discovery looks for inside each
// plugin directory.
const FileName = "plugin.manifest.json"

// Entrypoint kinds.
const (
	// KindSubprocess runs the plugin as a child process speaking the
	// line-delimited RPC protocol. This is the default,
	// safety-preferred hosting path.
	KindSubprocess = "subprocess"

	// KindInproc binds the plugin to a factory compiled into the
	// kernel binary. In-process plugins share mutable guard state
	// with the host and load only when explicitly allow-listed.
	KindInproc = "inproc"
)

// Filesystem permission levels, in increasing order of privilege.
const (
	FilesystemNone      = "none"
	FilesystemRead      = "read"
	FilesystemReadWrite = "readwrite"
)

// Manifest is the parsed plugin manifest.
type Manifest struct {
	// PluginID uniquely identifies the plugin across the install.
	PluginID string `json:"plugin_id"`

	// Version is the plugin's own version string.
	Version string `json:"version"`

	// Entrypoints lists how the plugin is instantiated. Exactly one
	// hosting entrypoint (subprocess or inproc) is required.
	Entrypoints []Entrypoint `json:"entrypoints"`

	// Permissions declares what the plugin is allowed to touch.
	Permissions Permissions `json:"permissions"`

	// Compat constrains which kernels may load the plugin.
	Compat Compat `json:"compat"`

	// DependsOn lists plugin ids that must load before this plugin.
	DependsOn []string `json:"depends_on,omitempty"`

	// ConflictsWith lists plugin ids that cannot be enabled together
	// with this plugin.
	ConflictsWith []string `json:"conflicts_with,omitempty"`

	// Replaces lists plugin ids this plugin supersedes. Treated as
	// conflicts for pairing purposes.
	Replaces []string `json:"replaces,omitempty"`

	// Provides lists capability names the plugin implements.
	Provides []string `json:"provides,omitempty"`

	// RequiredCapabilities lists capability names the plugin calls
	// into; each induces a dependency on the selected provider.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// HashLock optionally carries the plugin's own expected hashes,
	// used by the lock-update step as a cross-check.
	HashLock *HashLock `json:"hash_lock,omitempty"`

	// Path is the manifest file location; Dir is the plugin
	// directory. Filled by discovery, never serialized.
	Path string `json:"-"`
	Dir  string `json:"-"`
}

// Entrypoint describes one way to instantiate the plugin.
type Entrypoint struct {
	// Kind is KindSubprocess or KindInproc for the hosting
	// entrypoint. Any other lowercase dotted kind names a capability
	// the plugin provides through that entrypoint, equivalent to
	// listing it in provides.
	Kind string `json:"kind"`

	// ID names the entrypoint. For inproc entrypoints it selects the
	// registered factory.
	ID string `json:"id"`

	// Path is the executable, relative to the plugin directory.
	// Required for subprocess entrypoints.
	Path string `json:"path,omitempty"`

	// Callable optionally names a symbol within the entrypoint for
	// hosts that multiplex several callables behind one executable.
	Callable string `json:"callable,omitempty"`
}

// Permissions declares the plugin's requested privileges. Everything
// defaults to the least privilege: no filesystem, no network.
type Permissions struct {
	// Filesystem is none, read, or readwrite.
	Filesystem string `json:"filesystem,omitempty"`

	// Network requests outbound network access. Network-capable
	// plugins must additionally appear on a network allow-list.
	Network bool `json:"network,omitempty"`

	// GPU requests GPU access.
	GPU bool `json:"gpu,omitempty"`

	// RawInput requests raw input device access.
	RawInput bool `json:"raw_input,omitempty"`
}

// Compat constrains the kernels that may load this plugin.
type Compat struct {
	// Kernel is a version range over the kernel API version, e.g.
	// ">=1.2, <2.0". Operators: >=, <=, >, <, ==. Empty means any.
	Kernel string `json:"kernel,omitempty"`

	// SchemaVersions lists manifest/contract schema versions the
	// plugin requires; every listed version must be supported by the
	// kernel. Empty means no requirement.
	SchemaVersions []string `json:"schema_versions,omitempty"`
}

// HashLock is a manifest-embedded copy of the plugin's expected
// hashes.
type HashLock struct {
	ManifestSHA256 string `json:"manifest_sha256,omitempty"`
	ArtifactSHA256 string `json:"artifact_sha256,omitempty"`
}

var (
	idPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	verPattern = regexp.MustCompile(`^\d+(\.\d+)*([-.][0-9A-Za-z.-]+)?$`)
	hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Validate checks the manifest's structural rules, collecting every
// problem rather than stopping at the first. Discovery treats a
// validation failure as a per-plugin load failure, never a crash.
func (m *Manifest) Validate() error {
	var errs []error

	switch {
	case m.PluginID == "":
		errs = append(errs, errors.New("plugin_id is required"))
	case len(m.PluginID) > 128:
		errs = append(errs, fmt.Errorf("plugin_id %q exceeds 128 characters", m.PluginID))
	case !idPattern.MatchString(m.PluginID):
		errs = append(errs, fmt.Errorf("plugin_id %q is not lowercase dotted form", m.PluginID))
	}

	switch {
	case m.Version == "":
		errs = append(errs, errors.New("version is required"))
	case !verPattern.MatchString(m.Version):
		errs = append(errs, fmt.Errorf("version %q is not a dotted version", m.Version))
	}

	hosting := 0
	for i, ep := range m.Entrypoints {
		switch ep.Kind {
		case KindSubprocess:
			hosting++
			if ep.Path == "" {
				errs = append(errs, fmt.Errorf("entrypoint %d: subprocess requires path", i))
			} else if path.IsAbs(ep.Path) || escapesDir(ep.Path) {
				errs = append(errs, fmt.Errorf("entrypoint %d: path %q must stay inside the plugin directory", i, ep.Path))
			}
		case KindInproc:
			hosting++
			if ep.ID == "" {
				errs = append(errs, fmt.Errorf("entrypoint %d: inproc requires id", i))
			}
		case "":
			errs = append(errs, fmt.Errorf("entrypoint %d: kind is required", i))
		default:
			// Capability entrypoint: the kind names a provided
			// capability.
			if !idPattern.MatchString(ep.Kind) {
				errs = append(errs, fmt.Errorf("entrypoint %d: kind %q is neither a hosting kind nor a capability name", i, ep.Kind))
			}
		}
	}
	if hosting == 0 {
		errs = append(errs, errors.New("at least one subprocess or inproc entrypoint is required"))
	}
	if hosting > 1 {
		errs = append(errs, errors.New("multiple hosting entrypoints declared"))
	}

	switch m.Permissions.Filesystem {
	case "", FilesystemNone, FilesystemRead, FilesystemReadWrite:
	default:
		errs = append(errs, fmt.Errorf("permissions.filesystem %q is not none, read, or readwrite", m.Permissions.Filesystem))
	}

	for _, set := range []struct {
		field  string
		values []string
	}{
		{"provides", m.Provides},
		{"required_capabilities", m.RequiredCapabilities},
		{"depends_on", m.DependsOn},
		{"conflicts_with", m.ConflictsWith},
		{"replaces", m.Replaces},
	} {
		for _, v := range set.values {
			if !idPattern.MatchString(v) {
				errs = append(errs, fmt.Errorf("%s entry %q is not lowercase dotted form", set.field, v))
			}
		}
	}
	for _, dep := range m.DependsOn {
		if dep == m.PluginID {
			errs = append(errs, fmt.Errorf("depends_on lists the plugin itself"))
		}
	}
	for _, c := range append(append([]string{}, m.ConflictsWith...), m.Replaces...) {
		if c == m.PluginID {
			errs = append(errs, fmt.Errorf("conflict set lists the plugin itself"))
		}
	}

	if m.Compat.Kernel != "" {
		if _, err := ParseRange(m.Compat.Kernel); err != nil {
			errs = append(errs, fmt.Errorf("compat.kernel: %w", err))
		}
	}

	if m.HashLock != nil {
		if m.HashLock.ManifestSHA256 != "" && !hexPattern.MatchString(m.HashLock.ManifestSHA256) {
			errs = append(errs, errors.New("hash_lock.manifest_sha256 is not a sha256 hex digest"))
		}
		if m.HashLock.ArtifactSHA256 != "" && !hexPattern.MatchString(m.HashLock.ArtifactSHA256) {
			errs = append(errs, errors.New("hash_lock.artifact_sha256 is not a sha256 hex digest"))
		}
	}

	return errors.Join(errs...)
}

// Hosting returns the plugin's single hosting entrypoint. Call only
// after Validate.
func (m *Manifest) Hosting() Entrypoint {
	for _, ep := range m.Entrypoints {
		if ep.Kind == KindSubprocess || ep.Kind == KindInproc {
			return ep
		}
	}
	return Entrypoint{}
}

// FilesystemLevel returns the declared filesystem permission with the
// empty default resolved to none.
func (m *Manifest) FilesystemLevel() string {
	if m.Permissions.Filesystem == "" {
		return FilesystemNone
	}
	return m.Permissions.Filesystem
}

// ProvidedCapabilities returns every capability the manifest declares,
// from the provides list and from capability entrypoint kinds, sorted
// and deduplicated.
func (m *Manifest) ProvidedCapabilities() []string {
	seen := make(map[string]bool, len(m.Provides))
	var names []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, c := range m.Provides {
		add(c)
	}
	for _, ep := range m.Entrypoints {
		if ep.Kind != KindSubprocess && ep.Kind != KindInproc {
			add(ep.Kind)
		}
	}
	sort.Strings(names)
	return names
}

// ProvidesCapability reports whether the manifest declares the named
// capability, in provides or as a capability entrypoint kind.
func (m *Manifest) ProvidesCapability(name string) bool {
	for _, c := range m.Provides {
		if c == name {
			return true
		}
	}
	for _, ep := range m.Entrypoints {
		if ep.Kind == name && name != KindSubprocess && name != KindInproc {
			return true
		}
	}
	return false
}

func escapesDir(p string) bool {
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
