// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testState struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	want := testState{Name: "alpha", Count: 3}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got testState
	if err := Load(path, &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := Save(path, testState{Name: "first"}); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := Save(path, testState{Name: "second", Count: 2}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	var got testState
	if err := Load(path, &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "second" || got.Count != 2 {
		t.Errorf("Load = %+v, want the second document", got)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, testState{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestLoadMissingWrapsNotExist(t *testing.T) {
	var got testState
	err := Load(filepath.Join(t.TempDir(), "absent.json"), &got)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want os.ErrNotExist", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, testState{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}
