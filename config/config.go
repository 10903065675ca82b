// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the tessera
// kernel and its command-line tools.
//
// Configuration is loaded from a single YAML file specified by:
//   - TESSERA_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth: environment variables never override
// values, and the only expansion performed is ${VAR} / ${VAR:-default}
// substitution inside path fields for portability. Relative paths are
// resolved against the directory containing the config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tessera-dev/tessera/audit"
	"github.com/tessera-dev/tessera/capability"
)

// Hosting modes accepted by hosting.default_mode and by manifest
// entrypoints.
const (
	ModeSubprocess = "subprocess"
	ModeInproc     = "inproc"
)

// Config is the master configuration for a tessera kernel.
type Config struct {
	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Kernel identifies the kernel to compatibility checks and seeds
	// deterministic randomness.
	Kernel KernelConfig `yaml:"kernel"`

	// Hosting configures subprocess hosts and the host pool.
	Hosting HostingConfig `yaml:"hosting"`

	// Guards configures filesystem policy roots.
	Guards GuardsConfig `yaml:"guards"`

	// Network holds the egress allow-lists. A plugin that declares
	// network permission must appear on one of them.
	Network NetworkConfig `yaml:"network"`

	// Trust configures lockfile signature checking.
	Trust TrustConfig `yaml:"trust"`

	// Plugins selects and excludes plugins at load time.
	Plugins PluginsConfig `yaml:"plugins"`

	// CrashLoop configures automatic quarantine of repeatedly
	// failing plugins.
	CrashLoop CrashLoopConfig `yaml:"crash_loop"`

	// Audit configures the audit store and the trace log.
	Audit AuditConfig `yaml:"audit"`

	// Capabilities maps capability names to resolution policies.
	// Names without an entry get the single-provider default.
	Capabilities map[string]PolicyConfig `yaml:"capabilities"`

	// SafeMode configures the minimal boot set.
	SafeMode SafeModeConfig `yaml:"safe_mode"`
}

// PathsConfig configures file and directory locations. Every path may
// reference ${TESSERA_ROOT}, which is replaced by the expanded value
// of Root.
type PathsConfig struct {
	// Root anchors all default paths.
	Root string `yaml:"root"`

	// SearchRoots are walked for plugin.manifest.json files.
	SearchRoots []string `yaml:"search_roots"`

	// Lockfile is the trusted hash pin file.
	Lockfile string `yaml:"lockfile"`

	// Signature is the detached lockfile signature. Only consulted
	// when trust.require_signature is set.
	Signature string `yaml:"signature"`

	// State is the kernel's mutable state directory.
	State string `yaml:"state"`

	// Quarantine is the persisted quarantine set.
	Quarantine string `yaml:"quarantine"`

	// AuditDB is the SQLite audit database.
	AuditDB string `yaml:"audit_db"`

	// Trace is the live execution-trace segment.
	Trace string `yaml:"trace"`
}

// KernelConfig identifies the running kernel.
type KernelConfig struct {
	// APIVersion is compared against manifest kernel ranges.
	APIVersion string `yaml:"api_version"`

	// SchemaVersions lists the manifest schema versions this kernel
	// accepts.
	SchemaVersions []string `yaml:"schema_versions"`

	// RunSeed keys per-plugin deterministic RNG scopes. Empty means
	// a fresh random seed each run.
	RunSeed string `yaml:"run_seed"`
}

// HostingConfig configures subprocess hosts and the host pool.
type HostingConfig struct {
	// DefaultMode is the hosting mode for plugins that do not
	// declare one: "subprocess" or "inproc".
	DefaultMode string `yaml:"default_mode"`

	// InprocAllowlist names plugins permitted to run in-process.
	// In-process plugins share mutable guard state with the kernel,
	// so the list is explicit.
	InprocAllowlist []string `yaml:"inproc_allowlist"`

	// RPCTimeout bounds every subprocess call. A child that misses
	// the deadline is killed. Go duration string.
	RPCTimeout string `yaml:"rpc_timeout"`

	// MaxLineBytes bounds a single protocol line in either
	// direction.
	MaxLineBytes int `yaml:"max_line_bytes"`

	// MaxHosts caps concurrently open subprocess hosts.
	MaxHosts int `yaml:"max_hosts"`

	// IdleTTL evicts hosts idle longer than this. Go duration
	// string.
	IdleTTL string `yaml:"idle_ttl"`

	// SpawnSlots bounds concurrent child spawns.
	SpawnSlots int `yaml:"spawn_slots"`

	// EagerStart names subprocess plugins spawned at load time
	// instead of on first call.
	EagerStart []string `yaml:"eager_start"`

	// SpawnWait is how long a caller waits for a spawn slot. "0s"
	// fails immediately when the slots are exhausted.
	SpawnWait string `yaml:"spawn_wait"`

	// ReapInterval is the idle-reaper period. Go duration string.
	ReapInterval string `yaml:"reap_interval"`

	// Limits are OS resource limits applied to every child. Zero
	// fields inherit the parent limit.
	Limits LimitsConfig `yaml:"limits"`
}

// LimitsConfig mirrors the OS resource limits applied to plugin
// children on platforms that support them.
type LimitsConfig struct {
	MaxOpenFiles    uint64 `yaml:"max_open_files"`
	MaxProcesses    uint64 `yaml:"max_processes"`
	MaxAddressSpace uint64 `yaml:"max_address_space"`
}

// GuardsConfig configures filesystem policy roots.
type GuardsConfig struct {
	// DefaultReadRoots are readable by every plugin with filesystem
	// permission "read" or above.
	DefaultReadRoots []string `yaml:"default_read_roots"`

	// DefaultWriteRoots are writable by every plugin with
	// filesystem permission "readwrite".
	DefaultWriteRoots []string `yaml:"default_write_roots"`

	// Overrides grants additional roots to individual plugins.
	Overrides map[string]GuardOverride `yaml:"overrides"`
}

// GuardOverride widens one plugin's filesystem policy.
type GuardOverride struct {
	Read  []string `yaml:"read"`
	Write []string `yaml:"write"`
}

// NetworkConfig holds the egress allow-lists, keyed by plugin id.
type NetworkConfig struct {
	// Internet names plugins allowed unrestricted egress.
	Internet []string `yaml:"internet"`

	// Localhost names plugins allowed loopback egress only.
	Localhost []string `yaml:"localhost"`
}

// TrustConfig configures lockfile signature checking. Key material is
// never stored in the config file; it is read from the named
// environment variable or file at load time.
type TrustConfig struct {
	// RequireSignature makes a missing or invalid lockfile
	// signature fatal for lockfile loading as a whole.
	RequireSignature bool `yaml:"require_signature"`

	// KeyID selects the signing key derived from the root key.
	KeyID string `yaml:"key_id"`

	// RootKeyEnv names the environment variable holding the root
	// key.
	RootKeyEnv string `yaml:"root_key_env"`

	// RootKeyFile is read for the root key when RootKeyEnv is unset
	// or empty in the environment.
	RootKeyFile string `yaml:"root_key_file"`
}

// PluginsConfig selects and excludes plugins at load time.
type PluginsConfig struct {
	// Enabled restricts loading to the listed plugin ids. Empty
	// means every discovered plugin is eligible.
	Enabled []string `yaml:"enabled"`

	// Blocklist excludes plugin ids from every load pass. The
	// blocklist wins over all other lists.
	Blocklist []string `yaml:"blocklist"`

	// AllowedConflicts suppresses specific declared conflicts. Each
	// entry is a pair of plugin ids; order within a pair does not
	// matter.
	AllowedConflicts [][]string `yaml:"allowed_conflicts"`

	// Settings holds each plugin's effective settings object, sent
	// to subprocess plugins as the first protocol line and handed to
	// in-process factories.
	Settings map[string]map[string]any `yaml:"settings"`
}

// CrashLoopConfig configures automatic quarantine.
type CrashLoopConfig struct {
	// Threshold is the audited-failure count that triggers
	// quarantine.
	Threshold int `yaml:"threshold"`

	// Window bounds how far apart the failures may be. Go duration
	// string.
	Window string `yaml:"window"`
}

// AuditConfig configures the audit store and the trace log.
type AuditConfig struct {
	// TraceMaxBytes rotates the live trace segment when it grows
	// past this size.
	TraceMaxBytes int64 `yaml:"trace_max_bytes"`

	// TraceCompression is applied to rotated segments: "zstd",
	// "lz4", or "none".
	TraceCompression string `yaml:"trace_compression"`

	// FailureWindow is the default look-back for failure-rate
	// queries. Go duration string.
	FailureWindow string `yaml:"failure_window"`
}

// PolicyConfig is the YAML shape of a capability resolution policy.
type PolicyConfig struct {
	// Mode is "single" or "multi". Empty means single.
	Mode string `yaml:"mode"`

	// Preferred orders listed plugin ids ahead of all others.
	Preferred []string `yaml:"preferred"`

	// ProviderIDs restricts resolution to the named plugins.
	ProviderIDs []string `yaml:"provider_ids"`

	// MaxProviders caps the provider list in multi mode.
	MaxProviders int `yaml:"max_providers"`

	// FailureOrdering configures failure-rate provider ordering.
	FailureOrdering FailureOrderingConfig `yaml:"failure_ordering"`
}

// FailureOrderingConfig is the YAML shape of failure-rate ordering.
// The look-back window is audit.failure_window.
type FailureOrderingConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MinCalls int64 `yaml:"min_calls"`
}

// SafeModeConfig configures the minimal boot set.
type SafeModeConfig struct {
	// Enabled loads only the transitive closure of providers for
	// RequiredCapabilities instead of the full enabled set.
	Enabled bool `yaml:"enabled"`

	// RequiredCapabilities is the fixed capability list safe mode
	// must satisfy.
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// Default returns the baseline configuration. Every field is
// populated; a config file only overrides what it names.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:        "${HOME}/.tessera",
			SearchRoots: []string{"${TESSERA_ROOT}/plugins"},
			Lockfile:    "${TESSERA_ROOT}/plugins.lock.json",
			Signature:   "${TESSERA_ROOT}/plugins.lock.sig",
			State:       "${TESSERA_ROOT}/state",
			Quarantine:  "${TESSERA_ROOT}/state/quarantine.json",
			AuditDB:     "${TESSERA_ROOT}/state/audit.db",
			Trace:       "${TESSERA_ROOT}/state/trace.ndjson",
		},
		Kernel: KernelConfig{
			APIVersion:     "1.0",
			SchemaVersions: []string{"1"},
		},
		Hosting: HostingConfig{
			DefaultMode:  ModeSubprocess,
			RPCTimeout:   "30s",
			MaxLineBytes: 8 << 20,
			MaxHosts:     8,
			IdleTTL:      "5m",
			SpawnSlots:   4,
			SpawnWait:    "0s",
			ReapInterval: "30s",
		},
		Trust: TrustConfig{
			RootKeyEnv: "TESSERA_ROOT_KEY",
		},
		CrashLoop: CrashLoopConfig{
			Threshold: 3,
			Window:    "10m",
		},
		Audit: AuditConfig{
			TraceMaxBytes:    64 << 20,
			TraceCompression: "zstd",
			FailureWindow:    "1h",
		},
		Capabilities: map[string]PolicyConfig{},
		SafeMode: SafeModeConfig{
			RequiredCapabilities: []string{
				"anchor.write",
				"journal.write",
				"ledger.write",
				"storage.media",
				"storage.metadata",
			},
		},
	}
}

// Load loads configuration from the file named by TESSERA_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("TESSERA_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TESSERA_CONFIG environment variable not set; " +
			"set it to the path of your tessera.yaml config file, or use --config flag")
	}

	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over Default, expanding path variables, and resolving relative
// paths against the file's directory. The result is validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandVariables()

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.resolveRelative(abs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// ${TESSERA_ROOT} resolves to the expanded paths.root, then the
// environment, letting dependent paths follow a relocated root.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TESSERA_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TESSERA_ROOT"] = c.Paths.Root // Update for dependent paths.

	for i, root := range c.Paths.SearchRoots {
		c.Paths.SearchRoots[i] = expandVars(root, vars)
	}
	c.Paths.Lockfile = expandVars(c.Paths.Lockfile, vars)
	c.Paths.Signature = expandVars(c.Paths.Signature, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Quarantine = expandVars(c.Paths.Quarantine, vars)
	c.Paths.AuditDB = expandVars(c.Paths.AuditDB, vars)
	c.Paths.Trace = expandVars(c.Paths.Trace, vars)
	c.Trust.RootKeyFile = expandVars(c.Trust.RootKeyFile, vars)

	for i, root := range c.Guards.DefaultReadRoots {
		c.Guards.DefaultReadRoots[i] = expandVars(root, vars)
	}
	for i, root := range c.Guards.DefaultWriteRoots {
		c.Guards.DefaultWriteRoots[i] = expandVars(root, vars)
	}
	for id, ov := range c.Guards.Overrides {
		for i, root := range ov.Read {
			ov.Read[i] = expandVars(root, vars)
		}
		for i, root := range ov.Write {
			ov.Write[i] = expandVars(root, vars)
		}
		c.Guards.Overrides[id] = ov
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// resolveRelative makes every relative path absolute against dir.
func (c *Config) resolveRelative(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.Paths.Root = abs(c.Paths.Root)
	for i, root := range c.Paths.SearchRoots {
		c.Paths.SearchRoots[i] = abs(root)
	}
	c.Paths.Lockfile = abs(c.Paths.Lockfile)
	c.Paths.Signature = abs(c.Paths.Signature)
	c.Paths.State = abs(c.Paths.State)
	c.Paths.Quarantine = abs(c.Paths.Quarantine)
	c.Paths.AuditDB = abs(c.Paths.AuditDB)
	c.Paths.Trace = abs(c.Paths.Trace)
	c.Trust.RootKeyFile = abs(c.Trust.RootKeyFile)
}

// Validate checks the configuration for errors. All problems are
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if len(c.Paths.SearchRoots) == 0 {
		errs = append(errs, errors.New("paths.search_roots is required"))
	}
	for _, field := range []struct{ name, value string }{
		{"paths.lockfile", c.Paths.Lockfile},
		{"paths.state", c.Paths.State},
		{"paths.quarantine", c.Paths.Quarantine},
		{"paths.audit_db", c.Paths.AuditDB},
		{"paths.trace", c.Paths.Trace},
	} {
		if field.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field.name))
		}
	}

	if c.Kernel.APIVersion == "" {
		errs = append(errs, errors.New("kernel.api_version is required"))
	}
	if len(c.Kernel.SchemaVersions) == 0 {
		errs = append(errs, errors.New("kernel.schema_versions is required"))
	}

	if c.Hosting.DefaultMode != ModeSubprocess && c.Hosting.DefaultMode != ModeInproc {
		errs = append(errs, fmt.Errorf("hosting.default_mode must be %q or %q, got %q",
			ModeSubprocess, ModeInproc, c.Hosting.DefaultMode))
	}
	errs = append(errs,
		checkDuration("hosting.rpc_timeout", c.Hosting.RPCTimeout, false),
		checkDuration("hosting.idle_ttl", c.Hosting.IdleTTL, false),
		checkDuration("hosting.spawn_wait", c.Hosting.SpawnWait, true),
		checkDuration("hosting.reap_interval", c.Hosting.ReapInterval, false),
		checkDuration("crash_loop.window", c.CrashLoop.Window, false),
		checkDuration("audit.failure_window", c.Audit.FailureWindow, false),
	)
	if c.Hosting.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("hosting.max_line_bytes must be positive"))
	}
	if c.Hosting.MaxHosts <= 0 {
		errs = append(errs, errors.New("hosting.max_hosts must be positive"))
	}
	if c.Hosting.SpawnSlots <= 0 {
		errs = append(errs, errors.New("hosting.spawn_slots must be positive"))
	}

	if c.Trust.RequireSignature {
		if c.Trust.KeyID == "" {
			errs = append(errs, errors.New("trust.key_id is required when trust.require_signature is set"))
		}
		if c.Trust.RootKeyEnv == "" && c.Trust.RootKeyFile == "" {
			errs = append(errs, errors.New("trust.root_key_env or trust.root_key_file is required when trust.require_signature is set"))
		}
		if c.Paths.Signature == "" {
			errs = append(errs, errors.New("paths.signature is required when trust.require_signature is set"))
		}
	}

	for i, pair := range c.Plugins.AllowedConflicts {
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			errs = append(errs, fmt.Errorf("plugins.allowed_conflicts[%d] must name exactly two plugin ids", i))
			continue
		}
		if pair[0] == pair[1] {
			errs = append(errs, fmt.Errorf("plugins.allowed_conflicts[%d] names %q twice", i, pair[0]))
		}
	}

	if c.CrashLoop.Threshold < 1 {
		errs = append(errs, errors.New("crash_loop.threshold must be at least 1"))
	}

	if c.Audit.TraceMaxBytes <= 0 {
		errs = append(errs, errors.New("audit.trace_max_bytes must be positive"))
	}
	if _, err := audit.ParseCompression(c.Audit.TraceCompression); err != nil {
		errs = append(errs, fmt.Errorf("audit.trace_compression: %w", err))
	}

	for name, pc := range c.Capabilities {
		if _, err := pc.Policy(); err != nil {
			errs = append(errs, fmt.Errorf("capabilities.%s: %w", name, err))
		}
	}

	if c.SafeMode.Enabled && len(c.SafeMode.RequiredCapabilities) == 0 {
		errs = append(errs, errors.New("safe_mode.required_capabilities is required when safe_mode.enabled is set"))
	}

	return errors.Join(errs...)
}

// checkDuration returns an error unless s parses as a duration that
// is positive (or zero, when zeroOK).
func checkDuration(name, s string, zeroOK bool) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 || (d == 0 && !zeroOK) {
		return fmt.Errorf("%s must be positive, got %s", name, s)
	}
	return nil
}

// duration parses s, falling back when it does not parse. Callers run
// after Validate, so the fallback is unreachable in practice.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RPCTimeout returns hosting.rpc_timeout parsed.
func (c *Config) RPCTimeout() time.Duration {
	return duration(c.Hosting.RPCTimeout, 30*time.Second)
}

// IdleTTL returns hosting.idle_ttl parsed.
func (c *Config) IdleTTL() time.Duration {
	return duration(c.Hosting.IdleTTL, 5*time.Minute)
}

// SpawnWait returns hosting.spawn_wait parsed.
func (c *Config) SpawnWait() time.Duration {
	return duration(c.Hosting.SpawnWait, 0)
}

// ReapInterval returns hosting.reap_interval parsed.
func (c *Config) ReapInterval() time.Duration {
	return duration(c.Hosting.ReapInterval, 30*time.Second)
}

// CrashLoopWindow returns crash_loop.window parsed.
func (c *Config) CrashLoopWindow() time.Duration {
	return duration(c.CrashLoop.Window, 10*time.Minute)
}

// FailureWindow returns audit.failure_window parsed.
func (c *Config) FailureWindow() time.Duration {
	return duration(c.Audit.FailureWindow, time.Hour)
}

// TraceCompression returns audit.trace_compression parsed.
func (c *Config) TraceCompression() (audit.Compression, error) {
	return audit.ParseCompression(c.Audit.TraceCompression)
}

// Policy converts the YAML shape to a capability policy.
func (pc PolicyConfig) Policy() (capability.Policy, error) {
	p := capability.Policy{
		Mode:         capability.Mode(pc.Mode),
		Preferred:    pc.Preferred,
		ProviderIDs:  pc.ProviderIDs,
		MaxProviders: pc.MaxProviders,
		FailureOrdering: capability.FailureOrdering{
			Enabled:  pc.FailureOrdering.Enabled,
			MinCalls: pc.FailureOrdering.MinCalls,
		},
	}
	if p.Mode == "" {
		p.Mode = capability.ModeSingle
	}
	if err := p.Validate(); err != nil {
		return capability.Policy{}, err
	}
	return p, nil
}

// CapabilityPolicies converts every configured policy. Call after
// Validate.
func (c *Config) CapabilityPolicies() (map[string]capability.Policy, error) {
	out := make(map[string]capability.Policy, len(c.Capabilities))
	for name, pc := range c.Capabilities {
		p, err := pc.Policy()
		if err != nil {
			return nil, fmt.Errorf("capabilities.%s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// ConflictPairs returns plugins.allowed_conflicts as pairs. Call
// after Validate.
func (c *Config) ConflictPairs() [][2]string {
	pairs := make([][2]string, 0, len(c.Plugins.AllowedConflicts))
	for _, pair := range c.Plugins.AllowedConflicts {
		if len(pair) == 2 {
			pairs = append(pairs, [2]string{pair[0], pair[1]})
		}
	}
	return pairs
}

// RootKey reads the signing root key from the configured environment
// variable or file. Returns nil when neither source yields material.
func (c *Config) RootKey() ([]byte, error) {
	if c.Trust.RootKeyEnv != "" {
		if v := os.Getenv(c.Trust.RootKeyEnv); v != "" {
			return []byte(v), nil
		}
	}
	if c.Trust.RootKeyFile != "" {
		data, err := os.ReadFile(c.Trust.RootKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read root key: %w", err)
		}
		return data, nil
	}
	return nil, nil
}
