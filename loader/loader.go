// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package loader composes the runtime: it discovers manifests,
// verifies them against the lockfile, instantiates plugins under
// their declared hosting mode, and builds the capability registry
// the application calls through.
//
// A load pass fails plugins individually and keeps going; the
// resulting LoadReport says what loaded, what failed, and what was
// skipped. Only unsatisfiable configurations abort the pass: cycles,
// unresolved conflicts, and lockfile-level trust failures.
package loader

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/capability"
	"github.com/tessera-dev/tessera/config"
	"github.com/tessera-dev/tessera/guard"
	"github.com/tessera-dev/tessera/host"
	"github.com/tessera-dev/tessera/lib/clock"
	"github.com/tessera-dev/tessera/manifest"
	"github.com/tessera-dev/tessera/plugin"
)

// Options configures a Kernel.
type Options struct {
	// Config is the validated runtime configuration. Required.
	Config *config.Config

	// Validator optionally applies the manifest JSON Schema during
	// discovery.
	Validator manifest.Validator

	// Contracts maps capability names to I/O contracts enforced on
	// every call to that capability.
	Contracts map[string]capability.Contract

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Kernel owns the runtime state: audit sinks, quarantine, the
// subprocess host pool, loaded plugin instances, and the capability
// registry built from them.
type Kernel struct {
	cfg       *config.Config
	validator manifest.Validator
	contracts map[string]capability.Contract
	clock     clock.Clock
	logger    *slog.Logger

	store      *audit.Store
	trace      *audit.Trace
	quarantine *host.Quarantine
	tracker    *host.Tracker
	pool       *host.Pool
	env        *capability.Env
	runSeed    []byte

	mu        sync.Mutex
	registry  *capability.Registry
	instances map[string]*instance
	report    *LoadReport
	closed    bool

	coreMu sync.RWMutex
	core   map[string]bool
}

// instance is one loaded plugin: its verified manifest, guard
// material, and the invoker calls dispatch through.
type instance struct {
	manifest     *manifest.Manifest
	entry        manifest.Entrypoint
	mode         string
	settings     map[string]any
	settingsHash string
	codeHash     string
	filesystem   guard.FilesystemPolicy
	network      bool
	functions    map[string][]string
	invoker      capability.Invoker
	plug         plugin.Plugin
}

// New opens the kernel's persistent state (audit store, trace log,
// quarantine set) and prepares the host pool. No plugins are loaded
// until Load.
func New(opts Options) (*Kernel, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("loader: Config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{
		cfg.Paths.State,
		filepath.Dir(cfg.Paths.Quarantine),
		filepath.Dir(cfg.Paths.AuditDB),
		filepath.Dir(cfg.Paths.Trace),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("loader: creating state directory: %w", err)
		}
	}

	k := &Kernel{
		cfg:       cfg,
		validator: opts.Validator,
		contracts: opts.Contracts,
		clock:     clk,
		logger:    logger,
		instances: make(map[string]*instance),
		core:      make(map[string]bool),
	}

	k.runSeed = []byte(cfg.Kernel.RunSeed)
	if len(k.runSeed) == 0 {
		k.runSeed = make([]byte, 32)
		if _, err := rand.Read(k.runSeed); err != nil {
			return nil, fmt.Errorf("loader: generating run seed: %w", err)
		}
	}

	store, err := audit.OpenStore(audit.StoreConfig{
		Path:   cfg.Paths.AuditDB,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	compression, err := cfg.TraceCompression()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}
	trace, err := audit.OpenTrace(audit.TraceConfig{
		Path:        cfg.Paths.Trace,
		MaxBytes:    cfg.Audit.TraceMaxBytes,
		Compression: compression,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	quarantine, err := host.OpenQuarantine(cfg.Paths.Quarantine)
	if err != nil {
		trace.Close()
		store.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	tracker, err := host.NewTracker(host.TrackerConfig{
		Threshold:  cfg.CrashLoop.Threshold,
		Window:     cfg.CrashLoopWindow(),
		Quarantine: quarantine,
		Exempt:     k.providesCoreCapability,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		trace.Close()
		store.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	pool, err := host.NewPool(host.PoolConfig{
		Spawn:        k.spawnHost,
		MaxHosts:     cfg.Hosting.MaxHosts,
		IdleTTL:      cfg.IdleTTL(),
		SpawnSlots:   cfg.Hosting.SpawnSlots,
		SpawnWait:    cfg.SpawnWait(),
		ReapInterval: cfg.ReapInterval(),
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		trace.Close()
		store.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	k.store = store
	k.trace = trace
	k.quarantine = quarantine
	k.tracker = tracker
	k.pool = pool
	k.env = &capability.Env{
		Sandbox: guard.NewSandbox(),
		Audit:   &trackingSink{store: store, tracker: tracker, logger: logger},
		Trace:   trace,
		RunSeed: k.runSeed,
		Clock:   clk,
		Logger:  logger,
	}
	return k, nil
}

// Registry returns the current capability registry, nil before the
// first successful Load.
func (k *Kernel) Registry() *capability.Registry {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.registry
}

// Report returns the report of the last load pass.
func (k *Kernel) Report() *LoadReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.report
}

// Quarantine exposes the persisted quarantine set.
func (k *Kernel) Quarantine() *host.Quarantine { return k.quarantine }

// Audit exposes the audit store for queries.
func (k *Kernel) Audit() *audit.Store { return k.store }

// Run drives the host pool's idle reaper until ctx is canceled.
func (k *Kernel) Run(ctx context.Context) {
	k.pool.Run(ctx)
}

// Close stops every plugin instance, shuts the host pool down, and
// closes the audit sinks.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	stopped := k.instances
	k.instances = make(map[string]*instance)
	k.registry = nil
	k.mu.Unlock()

	var errs []error
	for id, inst := range stopped {
		if inst.plug != nil {
			if err := inst.plug.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
			}
		}
	}
	if err := k.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := k.trace.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := k.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// spawnHost is the pool's spawn hook. It resolves the plugin's
// entrypoint against the loaded instance table.
func (k *Kernel) spawnHost(pluginID string) (*host.Host, error) {
	k.mu.Lock()
	inst := k.instances[pluginID]
	k.mu.Unlock()
	if inst == nil {
		return nil, fmt.Errorf("loader: plugin %s is not loaded", pluginID)
	}
	if inst.mode != manifest.KindSubprocess {
		return nil, fmt.Errorf("loader: plugin %s is not subprocess-hosted", pluginID)
	}

	argv := []string{filepath.Join(inst.manifest.Dir, inst.entry.Path)}
	if inst.entry.Callable != "" {
		argv = append(argv, inst.entry.Callable)
	}
	return host.Spawn(host.Config{
		PluginID:     pluginID,
		Argv:         argv,
		Dir:          inst.manifest.Dir,
		Settings:     inst.settings,
		Timeout:      k.cfg.RPCTimeout(),
		MaxLineBytes: k.cfg.Hosting.MaxLineBytes,
		Limits:       k.childLimits(),
		Clock:        k.clock,
		Logger:       k.logger,
	})
}

func (k *Kernel) childLimits() *host.Limits {
	l := k.cfg.Hosting.Limits
	if l.MaxOpenFiles == 0 && l.MaxProcesses == 0 && l.MaxAddressSpace == 0 {
		return nil
	}
	return &host.Limits{
		MaxOpenFiles:    l.MaxOpenFiles,
		MaxProcesses:    l.MaxProcesses,
		MaxAddressSpace: l.MaxAddressSpace,
	}
}

// providesCoreCapability reports whether the plugin provides a core
// capability in the current load. Core providers are exempt from
// crash-loop quarantine.
func (k *Kernel) providesCoreCapability(pluginID string) bool {
	k.coreMu.RLock()
	defer k.coreMu.RUnlock()
	return k.core[pluginID]
}

func (k *Kernel) refreshCoreProviders() {
	k.mu.Lock()
	core := make(map[string]bool)
	for id, inst := range k.instances {
		for _, name := range inst.manifest.ProvidedCapabilities() {
			if host.CoreCapabilities[name] {
				core[id] = true
				break
			}
		}
	}
	k.mu.Unlock()

	k.coreMu.Lock()
	k.core = core
	k.coreMu.Unlock()
}

func (k *Kernel) setInstance(id string, inst *instance) {
	k.mu.Lock()
	k.instances[id] = inst
	k.mu.Unlock()
}

func (k *Kernel) dropInstance(id string) {
	k.mu.Lock()
	delete(k.instances, id)
	k.mu.Unlock()
}

// stopInstance tears one instance down best-effort: in-process
// plugins are closed, subprocess hosts are invalidated.
func (k *Kernel) stopInstance(id string, inst *instance) {
	if inst.plug != nil {
		if err := inst.plug.Close(); err != nil {
			k.logger.Warn("plugin close failed", "plugin_id", id, "error", err)
		}
	}
	if inst.mode == manifest.KindSubprocess {
		k.pool.Invalidate(id)
	}
	k.dropInstance(id)
}

// trackingSink appends audit records and feeds the crash-loop
// tracker: a failed record counts toward quarantine, a successful
// one clears the plugin's streak.
type trackingSink struct {
	store   *audit.Store
	tracker *host.Tracker
	logger  *slog.Logger
}

func (s *trackingSink) Append(ctx context.Context, record *audit.Record) error {
	err := s.store.Append(ctx, record)
	if record.OK {
		s.tracker.RecordSuccess(record.PluginID)
	} else if _, terr := s.tracker.RecordFailure(record.PluginID); terr != nil {
		s.logger.Warn("quarantine update failed",
			"plugin_id", record.PluginID,
			"error", terr)
	}
	return err
}

// kernelCaller hands an in-process plugin its window onto the
// registry. Resolution happens per call against the current
// registry, so the handle stays valid across hot reloads.
type kernelCaller struct {
	kernel   *Kernel
	pluginID string
	required []string
}

func (c *kernelCaller) Call(ctx context.Context, capabilityName, function string, args []any, kwargs map[string]any) (any, error) {
	registry := c.kernel.Registry()
	if registry == nil {
		return nil, fmt.Errorf("loader: no registry is loaded")
	}
	return registry.View(c.pluginID, c.required).Call(ctx, capabilityName, function, args, kwargs)
}

// poolInvoker routes a provider's calls through the host pool.
type poolInvoker struct {
	pool     *host.Pool
	pluginID string
}

func (p *poolInvoker) Invoke(ctx context.Context, capabilityName, function string, args []any, kwargs map[string]any) (any, error) {
	return p.pool.Invoke(ctx, p.pluginID, capabilityName, function, args, kwargs)
}
