// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tessera-dev/tessera/lib/clock"
)

func openTestQuarantine(t *testing.T) *Quarantine {
	t.Helper()
	q, err := OpenQuarantine(filepath.Join(t.TempDir(), "quarantine.json"))
	if err != nil {
		t.Fatalf("OpenQuarantine() error: %v", err)
	}
	return q
}

func newTestTracker(t *testing.T, q *Quarantine, clk clock.Clock, exempt func(string) bool) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		Threshold:  3,
		Window:     10 * time.Minute,
		Quarantine: q,
		Exempt:     exempt,
		Clock:      clk,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewTracker() error: %v", err)
	}
	return tracker
}

func TestQuarantinePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.json")
	q, err := OpenQuarantine(path)
	if err != nil {
		t.Fatalf("OpenQuarantine() error: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := QuarantineEntry{PluginID: "p.noncore", Reason: ReasonCrashLoop, At: at, Failures: 3}
	if err := q.Add(entry); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	reopened, err := OpenQuarantine(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, ok := reopened.Get("p.noncore")
	if !ok {
		t.Fatal("entry lost across reopen")
	}
	if got.Reason != ReasonCrashLoop || got.Failures != 3 || !got.At.Equal(at) {
		t.Fatalf("reopened entry = %+v, want %+v", got, entry)
	}
}

func TestQuarantineRemoveAndClear(t *testing.T) {
	q := openTestQuarantine(t)
	for _, id := range []string{"b.plugin", "a.plugin"} {
		if err := q.Add(QuarantineEntry{PluginID: id, Reason: ReasonCrashLoop}); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}

	entries := q.List()
	if len(entries) != 2 || entries[0].PluginID != "a.plugin" || entries[1].PluginID != "b.plugin" {
		t.Fatalf("List() = %+v, want sorted a.plugin, b.plugin", entries)
	}

	removed, err := q.Remove("a.plugin")
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v, want true, nil", removed, err)
	}
	if removed, _ := q.Remove("a.plugin"); removed {
		t.Fatal("second Remove must report no entry")
	}

	if err := q.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if q.Has("b.plugin") {
		t.Fatal("Clear() left an entry behind")
	}
}

func TestTrackerQuarantinesAtThreshold(t *testing.T) {
	clk := clock.Fake(hostTestEpoch)
	q := openTestQuarantine(t)
	tracker := newTestTracker(t, q, clk, nil)

	for i := 0; i < 2; i++ {
		quarantined, err := tracker.RecordFailure("p.noncore")
		if err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
		if quarantined {
			t.Fatalf("quarantined after %d failures, threshold is 3", i+1)
		}
		clk.Advance(time.Second)
	}

	quarantined, err := tracker.RecordFailure("p.noncore")
	if err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	if !quarantined {
		t.Fatal("third failure within the window must quarantine")
	}
	entry, ok := q.Get("p.noncore")
	if !ok {
		t.Fatal("quarantine set has no entry")
	}
	if entry.Reason != ReasonCrashLoop {
		t.Fatalf("reason = %q, want %q", entry.Reason, ReasonCrashLoop)
	}
	if entry.Failures != 3 {
		t.Fatalf("failures = %d, want 3", entry.Failures)
	}
}

func TestTrackerWindowExpiresOldFailures(t *testing.T) {
	clk := clock.Fake(hostTestEpoch)
	q := openTestQuarantine(t)
	tracker := newTestTracker(t, q, clk, nil)

	tracker.RecordFailure("p.noncore")
	clk.Advance(time.Second)
	tracker.RecordFailure("p.noncore")

	clk.Advance(11 * time.Minute)
	if quarantined, _ := tracker.RecordFailure("p.noncore"); quarantined {
		t.Fatal("stale failures outside the window must not count")
	}
	clk.Advance(time.Second)
	tracker.RecordFailure("p.noncore")
	clk.Advance(time.Second)
	if quarantined, _ := tracker.RecordFailure("p.noncore"); !quarantined {
		t.Fatal("three fresh failures must quarantine")
	}
}

func TestTrackerNeverQuarantinesCoreProviders(t *testing.T) {
	clk := clock.Fake(hostTestEpoch)
	q := openTestQuarantine(t)
	exempt := func(pluginID string) bool { return pluginID == "p.core" }
	tracker := newTestTracker(t, q, clk, exempt)

	for i := 0; i < 5; i++ {
		quarantined, err := tracker.RecordFailure("p.core")
		if err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
		if quarantined {
			t.Fatal("core capability provider must never be quarantined")
		}
		clk.Advance(time.Second)
	}
	if q.Has("p.core") {
		t.Fatal("core provider landed in the quarantine set")
	}

	// The same failures quarantine an ordinary plugin.
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("p.noncore")
		clk.Advance(time.Second)
	}
	if !q.Has("p.noncore") {
		t.Fatal("non-core plugin with the same failures must be quarantined")
	}
}

func TestTrackerSuccessClearsStreak(t *testing.T) {
	clk := clock.Fake(hostTestEpoch)
	q := openTestQuarantine(t)
	tracker := newTestTracker(t, q, clk, nil)

	tracker.RecordFailure("p.noncore")
	clk.Advance(time.Second)
	tracker.RecordFailure("p.noncore")
	tracker.RecordSuccess("p.noncore")
	clk.Advance(time.Second)

	tracker.RecordFailure("p.noncore")
	clk.Advance(time.Second)
	if quarantined, _ := tracker.RecordFailure("p.noncore"); quarantined {
		t.Fatal("streak must restart after a success")
	}
	clk.Advance(time.Second)
	if quarantined, _ := tracker.RecordFailure("p.noncore"); !quarantined {
		t.Fatal("three failures after the reset must quarantine")
	}
}

func TestCoreCapabilityList(t *testing.T) {
	for _, name := range []string{
		"storage.metadata", "storage.media", "ledger.write", "journal.write", "anchor.write",
	} {
		if !CoreCapabilities[name] {
			t.Fatalf("CoreCapabilities missing %q", name)
		}
	}
}
