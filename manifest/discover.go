// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Failure records one manifest that could not be loaded. Discovery
// fails closed per manifest: the failure is reported, the walk
// continues, and the load report carries the entry.
type Failure struct {
	// PluginID is the plugin id when one could be extracted, else
	// empty.
	PluginID string

	// Path is the manifest file (or directory) that failed.
	Path string

	// Err is the parse, validation, or compatibility error.
	Err error
}

// DiscoverOptions configures a discovery walk.
type DiscoverOptions struct {
	// Kernel is checked against each manifest's compat block.
	Kernel KernelInfo

	// Validator optionally applies the published JSON Schema.
	Validator Validator

	// Logger receives per-manifest failures. Nil uses slog.Default.
	Logger *slog.Logger
}

// Discover walks the search roots for plugin.manifest.json files,
// parsing, validating, and compatibility-checking each one. A plugin
// directory is the directory containing the manifest; discovery does
// not descend into it further, so plugins cannot nest. Results are
// sorted by plugin id; duplicate ids across roots are failures for
// the later occurrence.
func Discover(roots []string, opts DiscoverOptions) ([]*Manifest, []Failure) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		manifests []*Manifest
		failures  []Failure
		seen      = map[string]string{} // plugin id -> manifest path
	)

	fail := func(pluginID, path string, err error) {
		failures = append(failures, Failure{PluginID: pluginID, Path: path, Err: err})
		logger.Warn("plugin manifest rejected",
			"plugin_id", pluginID, "path", path, "error", err)
	}

	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			fail("", root, fmt.Errorf("search root: %w", err))
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				fail("", path, err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}

			// A directory containing the manifest file is a plugin
			// directory. It is consumed whole and never descended
			// into, so plugins cannot nest.
			manifestPath := filepath.Join(path, FileName)
			if _, statErr := os.Stat(manifestPath); statErr != nil {
				return nil
			}

			m, err := ParseFile(manifestPath, opts.Validator)
			if err != nil {
				fail("", manifestPath, err)
				return fs.SkipDir
			}
			m.Dir = path

			if prior, dup := seen[m.PluginID]; dup {
				fail(m.PluginID, manifestPath, fmt.Errorf("duplicate plugin id (already at %s)", prior))
				return fs.SkipDir
			}

			if err := m.CompatibleWith(opts.Kernel); err != nil {
				fail(m.PluginID, manifestPath, err)
				return fs.SkipDir
			}

			seen[m.PluginID] = manifestPath
			manifests = append(manifests, m)
			return fs.SkipDir
		})
		if err != nil {
			fail("", root, err)
		}
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].PluginID < manifests[j].PluginID
	})
	return manifests, failures
}
