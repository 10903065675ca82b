// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
)

func TestTagBytesNested(t *testing.T) {
	in := map[string]any{
		"name": "frame",
		"blob": []byte{0x00, 0x01, 0xFF},
		"frames": []any{
			[]byte("alpha"),
			map[string]any{"inner": []byte("beta")},
			42.0,
		},
	}

	tagged := TagBytes(in)

	// The tagged form must survive a JSON round trip.
	encoded, err := json.Marshal(tagged)
	if err != nil {
		t.Fatalf("marshal tagged: %v", err)
	}
	var wire any
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal tagged: %v", err)
	}

	out, ok := UntagBytes(wire).(map[string]any)
	if !ok {
		t.Fatalf("UntagBytes returned %T, want map", UntagBytes(wire))
	}
	if got, ok := out["blob"].([]byte); !ok || !bytes.Equal(got, []byte{0x00, 0x01, 0xFF}) {
		t.Errorf("blob = %#v, want original bytes", out["blob"])
	}
	frames, ok := out["frames"].([]any)
	if !ok || len(frames) != 3 {
		t.Fatalf("frames = %#v, want 3-element slice", out["frames"])
	}
	if got, ok := frames[0].([]byte); !ok || string(got) != "alpha" {
		t.Errorf("frames[0] = %#v, want alpha bytes", frames[0])
	}
	inner, ok := frames[1].(map[string]any)
	if !ok {
		t.Fatalf("frames[1] = %#v, want map", frames[1])
	}
	if got, ok := inner["inner"].([]byte); !ok || string(got) != "beta" {
		t.Errorf("frames[1].inner = %#v, want beta bytes", inner["inner"])
	}
	if frames[2] != 42.0 {
		t.Errorf("frames[2] = %#v, want 42", frames[2])
	}
}

func TestTagBytesDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"payload": []byte("x")}
	TagBytes(in)
	if _, ok := in["payload"].([]byte); !ok {
		t.Fatalf("input mutated: payload = %#v", in["payload"])
	}
}

func TestUntagBytesLeavesLookalikesAlone(t *testing.T) {
	cases := []struct {
		name string
		in   any
	}{
		{"extra keys", map[string]any{"__bytes__": "QQ==", "other": 1.0}},
		{"non-string value", map[string]any{"__bytes__": 7.0}},
		{"invalid base64", map[string]any{"__bytes__": "not base64!!!"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := UntagBytes(tc.in)
			if !reflect.DeepEqual(out, tc.in) {
				t.Errorf("UntagBytes(%#v) = %#v, want unchanged", tc.in, out)
			}
		})
	}
}

func TestTagBytesScalarPassthrough(t *testing.T) {
	for _, v := range []any{nil, "text", 3.5, true} {
		if got := TagBytes(v); !reflect.DeepEqual(got, v) {
			t.Errorf("TagBytes(%#v) = %#v, want unchanged", v, got)
		}
		if got := UntagBytes(v); !reflect.DeepEqual(got, v) {
			t.Errorf("UntagBytes(%#v) = %#v, want unchanged", v, got)
		}
	}
}
