// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/tessera-dev/tessera/config"
	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/trust"
)

func lockCommand() *command {
	return &command{
		Name:    "lock",
		Summary: "Update and verify the plugin lockfile",
		Subcommands: []*command{
			lockUpdateCommand(),
			lockVerifyCommand(),
		},
	}
}

func lockUpdateCommand() *command {
	flags := pflag.NewFlagSet("update", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	return &command{
		Name:    "update",
		Summary: "Pin every discovered plugin into the lockfile",
		Description: `Hash every discovered plugin's manifest and artifact tree and write
a fresh lockfile pinning them, replacing any previous lockfile. When
the configuration requires signatures, the lockfile hash is signed
with the configured root key and the detached signature is written
alongside.

Run this after installing or updating plugins; the kernel refuses
plugins whose on-disk state does not match the lockfile.`,
		Usage: "tessera lock update [flags]",
		Flags: flags,
		Run: func([]string) error {
			return runLockUpdate(*configPath, *jsonOut)
		},
	}
}

type lockUpdateReport struct {
	Lockfile string `json:"lockfile"`
	SHA256   string `json:"sha256"`
	Plugins  int    `json:"plugins"`
	Signed   bool   `json:"signed"`
}

func runLockUpdate(configPath string, jsonOut bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger()

	manifests, failures := manifest.Discover(cfg.Paths.SearchRoots, manifest.DiscoverOptions{
		Kernel: kernelInfo(cfg),
		Logger: logger,
	})
	if len(failures) > 0 {
		return fmt.Errorf("%d manifests failed validation; fix them before pinning", len(failures))
	}

	lockfile := &trust.Lockfile{Plugins: make(map[string]trust.LockEntry, len(manifests))}
	for _, m := range manifests {
		entry, err := trust.Pin(trust.Target{
			PluginID:         m.PluginID,
			ManifestPath:     m.Path,
			ArtifactDir:      m.Dir,
			KernelAPIVersion: cfg.Kernel.APIVersion,
		})
		if err != nil {
			return fmt.Errorf("pinning %s: %w", m.PluginID, err)
		}
		lockfile.Plugins[m.PluginID] = entry
	}

	sha, err := trust.WriteLockfile(cfg.Paths.Lockfile, lockfile)
	if err != nil {
		return err
	}

	signed := false
	if cfg.Trust.RequireSignature {
		key, err := cfg.RootKey()
		if err != nil {
			return err
		}
		if len(key) == 0 {
			return fmt.Errorf("signatures are required but no root key material is configured")
		}
		sig, err := trust.SignLockfile(sha, key, cfg.Trust.KeyID)
		if err != nil {
			return err
		}
		if err := trust.WriteSignature(cfg.Paths.Signature, sig); err != nil {
			return err
		}
		signed = true
	}

	report := lockUpdateReport{
		Lockfile: cfg.Paths.Lockfile,
		SHA256:   sha,
		Plugins:  len(manifests),
		Signed:   signed,
	}
	if jsonOut {
		return writeJSON(report)
	}
	fmt.Printf("pinned %d plugins to %s\n", report.Plugins, report.Lockfile)
	fmt.Printf("lockfile sha256 %s\n", report.SHA256)
	if signed {
		fmt.Printf("signature written to %s\n", cfg.Paths.Signature)
	}
	return nil
}

func lockVerifyCommand() *command {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (defaults to $TESSERA_CONFIG)")
	jsonOut := flags.Bool("json", false, "output as JSON")
	return &command{
		Name:    "verify",
		Summary: "Check the lockfile against the plugins on disk",
		Description: `Verify the lockfile from both sides: every pinned plugin must be
present and match its hashes, and every discovered plugin must be
pinned. When signatures are required the detached signature is
checked against the configured root key. Exits 1 on any mismatch.`,
		Usage: "tessera lock verify [flags]",
		Flags: flags,
		Run: func([]string) error {
			return runLockVerify(*configPath, *jsonOut)
		},
	}
}

type lockVerifyReport struct {
	SHA256    string         `json:"sha256"`
	Signature string         `json:"signature,omitempty"`
	Results   []verifyResult `json:"results"`
}

func runLockVerify(configPath string, jsonOut bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := commandLogger()

	lockfile, sha, err := trust.ReadLockfile(cfg.Paths.Lockfile)
	if err != nil {
		return err
	}
	report := lockVerifyReport{SHA256: sha}
	bad := 0

	if cfg.Trust.RequireSignature {
		report.Signature = "ok"
		if err := checkSignature(cfg, sha); err != nil {
			report.Signature = err.Error()
			bad++
		}
	}

	manifests, failures := manifest.Discover(cfg.Paths.SearchRoots, manifest.DiscoverOptions{
		Kernel: kernelInfo(cfg),
		Logger: logger,
	})
	byID := make(map[string]*manifest.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.PluginID] = m
	}
	for _, failure := range failures {
		id := failure.PluginID
		if id == "" {
			id = failure.Path
		}
		report.Results = append(report.Results, verifyResult{PluginID: id, Error: failure.Err.Error()})
	}

	for _, id := range slices.Sorted(maps.Keys(lockfile.Plugins)) {
		m, present := byID[id]
		if !present {
			report.Results = append(report.Results, verifyResult{
				PluginID: id,
				Error:    "pinned but not present on disk",
			})
			continue
		}
		delete(byID, id)
		result := verifyResult{PluginID: id, OK: true}
		if err := trust.Verify(trust.Target{
			PluginID:         id,
			ManifestPath:     m.Path,
			ArtifactDir:      m.Dir,
			KernelAPIVersion: cfg.Kernel.APIVersion,
		}, lockfile.Plugins[id]); err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		report.Results = append(report.Results, result)
	}
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		report.Results = append(report.Results, verifyResult{
			PluginID: id,
			Error:    "present but not pinned; run 'tessera lock update'",
		})
	}
	slices.SortFunc(report.Results, func(a, b verifyResult) int {
		return strings.Compare(a.PluginID, b.PluginID)
	})

	for _, r := range report.Results {
		if !r.OK {
			bad++
		}
	}

	if jsonOut {
		if err := writeJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("lockfile sha256 %s\n", report.SHA256)
		if report.Signature != "" {
			fmt.Printf("signature %s\n", report.Signature)
		}
		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "PLUGIN\tSTATUS")
		for _, r := range report.Results {
			status := "ok"
			if !r.OK {
				status = r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\n", r.PluginID, status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if bad > 0 {
		return &exitError{code: 1}
	}
	return nil
}

func checkSignature(cfg *config.Config, sha string) error {
	sig, err := trust.ReadSignature(cfg.Paths.Signature)
	if err != nil {
		return err
	}
	key, err := cfg.RootKey()
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("no root key material is configured")
	}
	return sig.Verify(sha, key)
}
