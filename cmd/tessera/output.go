// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"golang.org/x/term"
)

// exitError signals a non-zero exit without an extra "error:" line.
// Commands that already printed their findings (verify with
// mismatches, for example) return it so scripts get the code while
// humans get the table.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

// writeJSON emits v as indented JSON on stdout. Nil slices come out
// as [], never null.
func writeJSON(v any) error {
	r := reflect.ValueOf(v)
	if r.Kind() == reflect.Slice && r.IsNil() {
		v = reflect.MakeSlice(r.Type(), 0, 0).Interface()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandLogger returns the logger for CLI operations: text on a
// terminal, JSON when stderr is piped into tooling.
func commandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}
