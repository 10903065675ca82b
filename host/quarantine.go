// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tessera-dev/tessera/lib/clock"
	"github.com/tessera-dev/tessera/lib/statefile"
)

// ReasonCrashLoop is the quarantine reason recorded when a plugin
// fails repeatedly within the tracker window.
const ReasonCrashLoop = "crash_loop"

// CoreCapabilities are the capabilities the rest of the system cannot
// run without. Plugins providing any of these are never
// auto-quarantined; a broken core provider surfaces as repeated
// errors rather than a silently absent capability.
var CoreCapabilities = map[string]bool{
	"storage.metadata": true,
	"storage.media":    true,
	"ledger.write":     true,
	"journal.write":    true,
	"anchor.write":     true,
}

// QuarantineEntry records one quarantined plugin.
type QuarantineEntry struct {
	PluginID string    `json:"plugin_id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
	Failures int       `json:"failures,omitempty"`
}

// Quarantine is the persisted quarantine set. Every mutation is
// written through to disk before it is visible, so a restart sees the
// same set the previous process did.
type Quarantine struct {
	mu      sync.Mutex
	path    string
	entries map[string]QuarantineEntry
}

// OpenQuarantine loads the quarantine set at path. A missing file is
// an empty set.
func OpenQuarantine(path string) (*Quarantine, error) {
	if path == "" {
		return nil, fmt.Errorf("quarantine: path is required")
	}
	q := &Quarantine{path: path, entries: make(map[string]QuarantineEntry)}
	var entries []QuarantineEntry
	if err := statefile.Load(path, &entries); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("quarantine: %w", err)
		}
		return q, nil
	}
	for _, e := range entries {
		q.entries[e.PluginID] = e
	}
	return q, nil
}

// Has reports whether pluginID is quarantined.
func (q *Quarantine) Has(pluginID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[pluginID]
	return ok
}

// Get returns the entry for pluginID.
func (q *Quarantine) Get(pluginID string) (QuarantineEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[pluginID]
	return e, ok
}

// List returns all entries sorted by plugin id.
func (q *Quarantine) List() []QuarantineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b QuarantineEntry) int {
		return strings.Compare(a.PluginID, b.PluginID)
	})
	return entries
}

// Add quarantines a plugin and persists the set.
func (q *Quarantine) Add(entry QuarantineEntry) error {
	if entry.PluginID == "" {
		return fmt.Errorf("quarantine: entry has no plugin id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[entry.PluginID] = entry
	return q.persistLocked()
}

// Remove lifts the quarantine for pluginID. It reports whether an
// entry existed.
func (q *Quarantine) Remove(pluginID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[pluginID]; !ok {
		return false, nil
	}
	delete(q.entries, pluginID)
	return true, q.persistLocked()
}

// Clear empties the set.
func (q *Quarantine) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]QuarantineEntry)
	return q.persistLocked()
}

func (q *Quarantine) persistLocked() error {
	entries := make([]QuarantineEntry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b QuarantineEntry) int {
		return strings.Compare(a.PluginID, b.PluginID)
	})
	if err := statefile.Save(q.path, entries); err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}
	return nil
}

// TrackerConfig configures crash-loop detection.
type TrackerConfig struct {
	// Threshold is how many failures within Window quarantine a
	// plugin. Default 3.
	Threshold int

	// Window bounds how far back failures count. Default 10m.
	Window time.Duration

	// Quarantine receives plugins that trip the threshold. Required.
	Quarantine *Quarantine

	// Exempt reports plugins that must never be auto-quarantined,
	// typically providers of CoreCapabilities. Nil exempts nothing.
	Exempt func(pluginID string) bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Tracker watches per-plugin failure streaks and quarantines plugins
// that keep failing. Successes clear the streak.
type Tracker struct {
	threshold  int
	window     time.Duration
	quarantine *Quarantine
	exempt     func(pluginID string) bool
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewTracker validates cfg and returns a tracker with no recorded
// failures.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Quarantine == nil {
		return nil, fmt.Errorf("tracker: Quarantine is required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 3
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("tracker: Threshold %d is negative", cfg.Threshold)
	}
	if cfg.Window == 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("tracker: Window %s is negative", cfg.Window)
	}
	if cfg.Exempt == nil {
		cfg.Exempt = func(string) bool { return false }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		threshold:  cfg.Threshold,
		window:     cfg.Window,
		quarantine: cfg.Quarantine,
		exempt:     cfg.Exempt,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		failures:   make(map[string][]time.Time),
	}, nil
}

// RecordFailure counts one failure for pluginID. When the count
// within the window reaches the threshold and the plugin is not
// exempt, it is quarantined with reason crash_loop. Returns whether
// the plugin is now quarantined.
func (t *Tracker) RecordFailure(pluginID string) (bool, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	recent := t.failures[pluginID][:0]
	for _, at := range t.failures[pluginID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	t.failures[pluginID] = recent

	if len(recent) < t.threshold {
		return false, nil
	}
	if t.exempt(pluginID) {
		t.logger.Warn("failure threshold reached for core capability provider",
			"plugin_id", pluginID,
			"failures", len(recent),
			"window", t.window,
		)
		return false, nil
	}
	if t.quarantine.Has(pluginID) {
		return true, nil
	}
	entry := QuarantineEntry{
		PluginID: pluginID,
		Reason:   ReasonCrashLoop,
		At:       now,
		Failures: len(recent),
	}
	if err := t.quarantine.Add(entry); err != nil {
		return false, err
	}
	delete(t.failures, pluginID)
	t.logger.Warn("plugin quarantined",
		"plugin_id", pluginID,
		"reason", ReasonCrashLoop,
		"failures", entry.Failures,
	)
	return true, nil
}

// RecordSuccess clears the failure streak for pluginID.
func (t *Tracker) RecordSuccess(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, pluginID)
}
