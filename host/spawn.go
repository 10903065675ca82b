// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/tessera-dev/tessera/lib/clock"
)

// Config describes one child to spawn.
type Config struct {
	// PluginID names the plugin, for logs and errors.
	PluginID string

	// Argv is the child command line. Argv[0] is the executable.
	Argv []string

	// Dir is the child working directory, normally the plugin
	// install directory.
	Dir string

	// Env is the child environment. Nil inherits the parent
	// environment; an empty slice gives the child nothing.
	Env []string

	// Settings is sent to the child as the first protocol line,
	// before any request.
	Settings map[string]any

	// Timeout bounds each call round trip. When it elapses the
	// child is killed.
	Timeout time.Duration

	// MaxLineBytes caps a single response line from the child.
	// Zero uses rpc.MaxLineBytes.
	MaxLineBytes int

	// Limits optionally caps child resource usage. Only effective
	// on Linux.
	Limits *Limits

	Clock  clock.Clock
	Logger *slog.Logger
}

// Spawn starts the child, applies resource limits, sends the settings
// line, and returns a host ready for calls.
func Spawn(cfg Config) (*Host, error) {
	if cfg.PluginID == "" {
		return nil, fmt.Errorf("spawn: plugin id is required")
	}
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("spawn %s: empty argv", cfg.PluginID)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("spawn %s: timeout must be positive", cfg.PluginID)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", cfg.PluginID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("spawn %s: stdout pipe: %w", cfg.PluginID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("spawn %s: stderr pipe: %w", cfg.PluginID, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("spawn %s: %w", cfg.PluginID, err)
	}

	if cfg.Limits != nil {
		if err := applyLimits(cmd.Process.Pid, cfg.Limits); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			stdin.Close()
			return nil, fmt.Errorf("spawn %s: resource limits: %w", cfg.PluginID, err)
		}
	}

	logger.Info("plugin child started",
		"plugin_id", cfg.PluginID,
		"pid", cmd.Process.Pid,
	)

	// Every stderr line from the child lands in our log so plugin
	// diagnostics are not lost.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 4096), 256*1024)
		for scanner.Scan() {
			logger.Info("plugin stderr",
				"plugin_id", cfg.PluginID,
				"line", scanner.Text(),
			)
		}
	}()

	// Reap the child as soon as it exits, whatever the cause, so it
	// never lingers as a zombie.
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		err := cmd.Wait()
		switch {
		case err == nil:
			logger.Info("plugin child exited", "plugin_id", cfg.PluginID)
		default:
			logger.Warn("plugin child exited",
				"plugin_id", cfg.PluginID,
				"error", err,
			)
		}
	}()

	kill := func() error { return cmd.Process.Kill() }
	h := newHost(cfg.PluginID, stdin, stdout, kill, waitDone, cfg.Timeout, cfg.MaxLineBytes, cfg.Clock, logger)

	settings := cfg.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	if err := h.writer.Write(settings); err != nil {
		h.Close()
		return nil, fmt.Errorf("spawn %s: writing settings: %w", cfg.PluginID, err)
	}
	return h, nil
}
