// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the canonical binary encoding used wherever
// tessera hashes structured values, such as the audit trail's payload
// and settings digests. The encoding is CBOR with Core Deterministic
// Encoding (RFC 8949 §4.2: sorted map keys, smallest-width integers,
// no indefinite-length items), so the same logical value always
// produces identical bytes regardless of map iteration order or the
// process that encoded it.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Capability args and kwargs decode into any-typed values.
		// Force map[string]any for those so decoded values stay
		// compatible with encoding/json and the rest of the codebase;
		// tessera never uses non-string map keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v into canonical bytes. Two calls with logically
// equal values yield byte-identical output, which is what makes the
// result safe to hash.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical bytes into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
