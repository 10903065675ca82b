// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "encoding/base64"

// bytesKey marks a JSON object as an encoded byte payload. The tag is
// applied recursively through lists and maps on both sides of the
// pipe so raw bytes survive the JSON boundary losslessly.
const bytesKey = "__bytes__"

// TagBytes returns v with every []byte replaced by its tagged form
// {"__bytes__": base64}. Maps and slices are rewritten recursively;
// all other values pass through unchanged. The input is not mutated.
func TagBytes(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{bytesKey: base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[key] = TagBytes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = TagBytes(item)
		}
		return out
	default:
		return v
	}
}

// UntagBytes reverses TagBytes: every single-key object whose key is
// the bytes tag and whose value decodes as base64 becomes a []byte.
// Objects that carry the key alongside others, or whose value is not
// valid base64, are left untouched so plugin data that happens to use
// the key survives.
func UntagBytes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if encoded, ok := val[bytesKey].(string); ok {
				if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
					return decoded
				}
			}
		}
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[key] = UntagBytes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = UntagBytes(item)
		}
		return out
	default:
		return v
	}
}
