// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/tessera-dev/tessera/host"
	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/trust"
)

func pluginsCommand() *command {
	return &command{
		Name:    "plugins",
		Summary: "List and verify installed plugins",
		Subcommands: []*command{
			pluginsListCommand(),
			pluginsVerifyCommand(),
		},
	}
}

func pluginsListCommand() *command {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	return &command{
		Name:    "list",
		Summary: "List discovered plugins and their status",
		Description: `List every plugin manifest under the configured search roots with
its hosting mode, provided capabilities, and install status:
locked, unlocked, disabled, blocklisted, or quarantined.`,
		Usage: "tessera plugins list [flags]",
		Flags: flags,
		Run: func([]string) error {
			return runPluginsList(*configPath, *jsonOut)
		},
	}
}

type pluginListing struct {
	PluginID string   `json:"plugin_id"`
	Version  string   `json:"version"`
	Mode     string   `json:"mode"`
	Provides []string `json:"provides"`
	Status   string   `json:"status"`
}

func runPluginsList(configPath string, jsonOut bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger()

	manifests, _ := manifest.Discover(cfg.Paths.SearchRoots, manifest.DiscoverOptions{
		Kernel: kernelInfo(cfg),
		Logger: logger,
	})

	lockfile, _, err := trust.ReadLockfile(cfg.Paths.Lockfile)
	if err != nil {
		// No lockfile yet is a normal pre-pin state for listing.
		lockfile = nil
	}
	quarantine, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		return err
	}

	enabled := make(map[string]bool, len(cfg.Plugins.Enabled))
	for _, id := range cfg.Plugins.Enabled {
		enabled[id] = true
	}
	blocked := make(map[string]bool, len(cfg.Plugins.Blocklist))
	for _, id := range cfg.Plugins.Blocklist {
		blocked[id] = true
	}

	status := func(id string) string {
		switch {
		case len(enabled) > 0 && !enabled[id]:
			return "disabled"
		case blocked[id]:
			return "blocklisted"
		case quarantine.Has(id):
			return "quarantined"
		case lockfile == nil:
			return "unlocked"
		}
		if _, err := lockfile.Entry(id); err != nil {
			return "unlocked"
		}
		return "locked"
	}

	listings := make([]pluginListing, 0, len(manifests))
	for _, m := range manifests {
		listings = append(listings, pluginListing{
			PluginID: m.PluginID,
			Version:  m.Version,
			Mode:     m.Hosting().Kind,
			Provides: m.ProvidedCapabilities(),
			Status:   status(m.PluginID),
		})
	}
	slices.SortFunc(listings, func(a, b pluginListing) int {
		return strings.Compare(a.PluginID, b.PluginID)
	})

	if jsonOut {
		return writeJSON(listings)
	}
	if len(listings) == 0 {
		fmt.Println("no plugins found")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tVERSION\tMODE\tPROVIDES\tSTATUS")
	for _, l := range listings {
		provides := "-"
		if len(l.Provides) > 0 {
			provides = strings.Join(l.Provides, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.PluginID, l.Version, l.Mode, provides, l.Status)
	}
	return tw.Flush()
}

func pluginsVerifyCommand() *command {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	return &command{
		Name:    "verify",
		Summary: "Verify every discovered plugin against the lockfile",
		Description: `Recompute manifest and artifact hashes for every discovered plugin
and compare them against the lockfile pins. Exits 1 when any plugin
fails verification.`,
		Usage: "tessera plugins verify [flags]",
		Flags: flags,
		Run: func([]string) error {
			return runPluginsVerify(*configPath, *jsonOut)
		},
	}
}

type verifyResult struct {
	PluginID string `json:"plugin_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

func runPluginsVerify(configPath string, jsonOut bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger()

	manifests, failures := manifest.Discover(cfg.Paths.SearchRoots, manifest.DiscoverOptions{
		Kernel: kernelInfo(cfg),
		Logger: logger,
	})
	lockfile, _, err := trust.ReadLockfile(cfg.Paths.Lockfile)
	if err != nil {
		return err
	}

	var results []verifyResult
	for _, failure := range failures {
		id := failure.PluginID
		if id == "" {
			id = failure.Path
		}
		results = append(results, verifyResult{PluginID: id, Error: failure.Err.Error()})
	}
	for _, m := range manifests {
		result := verifyResult{PluginID: m.PluginID, OK: true}
		entry, err := lockfile.Entry(m.PluginID)
		if err == nil {
			err = trust.Verify(trust.Target{
				PluginID:         m.PluginID,
				ManifestPath:     m.Path,
				ArtifactDir:      m.Dir,
				KernelAPIVersion: cfg.Kernel.APIVersion,
			}, entry)
		}
		if err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	slices.SortFunc(results, func(a, b verifyResult) int {
		return strings.Compare(a.PluginID, b.PluginID)
	})

	bad := 0
	for _, r := range results {
		if !r.OK {
			bad++
		}
	}

	if jsonOut {
		if err := writeJSON(results); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "PLUGIN\tSTATUS")
		for _, r := range results {
			status := "ok"
			if !r.OK {
				status = r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\n", r.PluginID, status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d plugins verified, %d failed\n", len(results)-bad, bad)
	}
	if bad > 0 {
		return &exitError{code: 1}
	}
	return nil
}
