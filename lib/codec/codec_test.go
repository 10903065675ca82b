// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministicAcrossMapOrder(t *testing.T) {
	// Go randomizes map iteration; canonical encoding must not.
	value := map[string]any{
		"zeta": 1, "alpha": 2, "mid": []any{"a", "b"}, "n": nil,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(map[string]any{
			"n": nil, "mid": []any{"a", "b"}, "alpha": 2, "zeta": 1,
		})
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs across runs:\n%x\n%x", first, again)
		}
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": int64(7)}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("inner type = %T, want map[string]any", outer["outer"])
	}
}

func TestStructRoundTrip(t *testing.T) {
	type record struct {
		PluginID string `cbor:"plugin_id"`
		OK       bool   `cbor:"ok"`
		Count    int    `cbor:"count"`
	}

	in := record{PluginID: "ocr.fast", OK: true, Count: 12}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
