// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tessera-dev/tessera/lib/clock"
)

// Trace event kinds.
const (
	EventCallStart = "call_start"
	EventCallEnd   = "call_end"
)

// Event is one line in the trace log. A call emits call_start before
// dispatch and call_end after, failure or not.
type Event struct {
	// Time is the event instant in Unix nanoseconds.
	Time int64 `json:"time"`

	Kind   string `json:"kind"`
	CallID uint64 `json:"call_id"`

	PluginID   string `json:"plugin_id"`
	Capability string `json:"capability,omitempty"`
	Method     string `json:"method,omitempty"`

	// Set on call_end only.
	OK         *bool   `json:"ok,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// TraceConfig holds the parameters for opening a trace log.
type TraceConfig struct {
	// Path is the live segment file, appended to until it reaches
	// MaxBytes and rotates.
	Path string

	// MaxBytes triggers rotation. Defaults to 64 MiB.
	MaxBytes int64

	// Compression is applied to rotated segments. The live segment
	// is always plain so operators can tail it.
	Compression Compression

	// Clock names rotated segments.
	Clock clock.Clock

	// Logger receives rotation messages.
	Logger *slog.Logger
}

const defaultTraceMaxBytes int64 = 64 << 20

// Trace is a size-rotated newline-delimited JSON event log. Safe for
// concurrent use.
type Trace struct {
	mu      sync.Mutex
	file    *os.File
	written int64

	path        string
	maxBytes    int64
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger
}

// OpenTrace opens the live segment for appending, creating it and its
// parent directory as needed.
func OpenTrace(cfg TraceConfig) (*Trace, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit trace: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("audit trace: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultTraceMaxBytes
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("audit trace: creating directory: %w", err)
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit trace: opening %s: %w", cfg.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("audit trace: stat %s: %w", cfg.Path, err)
	}

	return &Trace{
		file:        file,
		written:     info.Size(),
		path:        cfg.Path,
		maxBytes:    maxBytes,
		compression: cfg.Compression,
		clock:       cfg.Clock,
		logger:      logger,
	}, nil
}

// Write appends one event line, rotating first if the live segment is
// full.
func (t *Trace) Write(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit trace: encoding event: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return fmt.Errorf("audit trace: closed")
	}
	if t.written+int64(len(line)) > t.maxBytes && t.written > 0 {
		if err := t.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := t.file.Write(line)
	t.written += int64(n)
	if err != nil {
		return fmt.Errorf("audit trace: writing event: %w", err)
	}
	return nil
}

// rotateLocked closes the live segment, renames it with a timestamp,
// compresses the renamed segment, and reopens a fresh live file.
// Caller holds t.mu.
func (t *Trace) rotateLocked() error {
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("audit trace: closing segment: %w", err)
	}
	t.file = nil

	stamp := t.clock.Now().UTC().Format("20060102T150405.000000000")
	segment := segmentPath(t.path, stamp)
	if err := os.Rename(t.path, segment); err != nil {
		return fmt.Errorf("audit trace: rotating segment: %w", err)
	}

	if t.compression != CompressionNone {
		if err := t.compressSegment(segment); err != nil {
			// The raw segment stays in place; nothing is lost.
			t.logger.Warn("trace segment compression failed",
				"segment", segment,
				"error", err,
			)
		}
	}

	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit trace: reopening %s: %w", t.path, err)
	}
	t.file = file
	t.written = 0
	t.logger.Info("trace segment rotated", "segment", segment)
	return nil
}

func (t *Trace) compressSegment(segment string) error {
	raw, err := os.ReadFile(segment)
	if err != nil {
		return err
	}
	compressed, err := CompressSegment(raw, t.compression)
	if err != nil {
		return err
	}

	target := segment + t.compression.Ext()
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(segment)
}

// segmentPath inserts the timestamp before the path's extension:
// trace.ndjson becomes trace-<stamp>.ndjson.
func segmentPath(path, stamp string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + "-" + stamp + ext
}

// Close flushes and closes the live segment.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return fmt.Errorf("audit trace: close: %w", err)
	}
	return nil
}
