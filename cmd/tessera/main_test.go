// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/config"
	"github.com/tessera-dev/tessera/host"
	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/trust"
)

// TestCommandTree validates the structural invariants of the full
// tree: every node is named and summarized, every leaf runs, and
// sibling names don't collide.
func TestCommandTree(t *testing.T) {
	walkCommands(rootCommand(), nil, func(c *command, path []string) {
		name := strings.Join(path, " ")
		if c.Name == "" {
			t.Errorf("%s: command without a name", name)
		}
		if c.Summary == "" {
			t.Errorf("%s: command without a summary", name)
		}
		if len(c.Subcommands) == 0 && c.Run == nil {
			t.Errorf("%s: leaf command without a run function", name)
		}
		seen := map[string]bool{}
		for _, sub := range c.Subcommands {
			if seen[sub.Name] {
				t.Errorf("%s: duplicate subcommand %q", name, sub.Name)
			}
			seen[sub.Name] = true
		}
	})
}

func walkCommands(c *command, path []string, visit func(*command, []string)) {
	current := append(append([]string{}, path...), c.Name)
	visit(c, current)
	for _, sub := range c.Subcommands {
		walkCommands(sub, current, visit)
	}
}

func TestExecuteRejectsUnknownCommand(t *testing.T) {
	err := rootCommand().Execute([]string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), `unknown command "bogus"`) {
		t.Fatalf("Execute(bogus) error = %v, want unknown command", err)
	}
}

// writeInstall lays out a minimal install: a config file anchoring
// everything under a temp root, plus plugin directories.
func writeInstall(t *testing.T, plugins ...string) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	configPath := filepath.Join(root, "tessera.yaml")
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf("paths:\n  root: %s\n", root)), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if err := os.MkdirAll(cfg.Paths.State, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, id := range plugins {
		dir := filepath.Join(cfg.Paths.SearchRoots[0], id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		m := manifest.Manifest{
			PluginID: id,
			Version:  "1.0.0",
			Entrypoints: []manifest.Entrypoint{
				{Kind: manifest.KindSubprocess, Path: "bin/run"},
			},
			Provides: []string{id + ".api"},
		}
		data, err := json.Marshal(&m)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "impl.txt"), []byte(id), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return configPath, cfg
}

func TestLockUpdateThenVerify(t *testing.T) {
	configPath, cfg := writeInstall(t, "alpha.svc", "beta.svc")

	if err := runLockUpdate(configPath, false); err != nil {
		t.Fatalf("lock update error: %v", err)
	}
	lockfile, _, err := trust.ReadLockfile(cfg.Paths.Lockfile)
	if err != nil {
		t.Fatalf("ReadLockfile() error: %v", err)
	}
	if len(lockfile.Plugins) != 2 {
		t.Fatalf("lockfile pins %d plugins, want 2", len(lockfile.Plugins))
	}

	if err := runPluginsVerify(configPath, false); err != nil {
		t.Fatalf("plugins verify error: %v", err)
	}
	if err := runLockVerify(configPath, false); err != nil {
		t.Fatalf("lock verify error: %v", err)
	}

	tampered := filepath.Join(cfg.Paths.SearchRoots[0], "beta.svc", "impl.txt")
	if err := os.WriteFile(tampered, []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	var exit *exitError
	if err := runPluginsVerify(configPath, false); !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("plugins verify after tamper = %v, want exit 1", err)
	}
	if err := runLockVerify(configPath, false); !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("lock verify after tamper = %v, want exit 1", err)
	}

	// Re-pinning accepts the new artifact state.
	if err := runLockUpdate(configPath, false); err != nil {
		t.Fatalf("lock update error: %v", err)
	}
	if err := runLockVerify(configPath, false); err != nil {
		t.Fatalf("lock verify after re-pin error: %v", err)
	}
}

func TestLockVerifyFlagsUnpinnedPlugin(t *testing.T) {
	configPath, cfg := writeInstall(t, "alpha.svc")
	if err := runLockUpdate(configPath, false); err != nil {
		t.Fatalf("lock update error: %v", err)
	}

	dir := filepath.Join(cfg.Paths.SearchRoots[0], "late.svc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := manifest.Manifest{
		PluginID:    "late.svc",
		Version:     "1.0.0",
		Entrypoints: []manifest.Entrypoint{{Kind: manifest.KindSubprocess, Path: "bin/run"}},
	}
	data, err := json.Marshal(&m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	var exit *exitError
	if err := runLockVerify(configPath, false); !errors.As(err, &exit) {
		t.Fatalf("lock verify = %v, want exit error for unpinned plugin", err)
	}
}

func TestQuarantineClear(t *testing.T) {
	configPath, cfg := writeInstall(t)
	quarantine, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		t.Fatal(err)
	}
	if err := quarantine.Add(host.QuarantineEntry{
		PluginID: "flaky.svc",
		Reason:   host.ReasonCrashLoop,
		At:       time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := runQuarantineClear(configPath, false, []string{"flaky.svc"}); err != nil {
		t.Fatalf("quarantine clear error: %v", err)
	}
	reopened, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Has("flaky.svc") {
		t.Error("flaky.svc still quarantined after clear")
	}
}

func TestQuarantineClearRequiresTarget(t *testing.T) {
	err := runQuarantineClear("", false, nil)
	if err == nil || !strings.Contains(err.Error(), "--all") {
		t.Fatalf("quarantine clear error = %v, want a usage error", err)
	}
}

func TestAuditFailuresEmptyStore(t *testing.T) {
	configPath, _ := writeInstall(t)
	if err := runAuditFailures(configPath, false, "", 0); err != nil {
		t.Fatalf("audit failures error: %v", err)
	}
}
