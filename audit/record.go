// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit persists the capability call trail: one append-only
// record per proxied call in SQLite, plus a newline-delimited trace
// log for operator tailing. Records are written for every call,
// success or failure, and are never mutated or deleted.
package audit

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/tessera-dev/tessera/lib/codec"
)

// Record is one capability call outcome.
type Record struct {
	// Timestamp is the call start in Unix nanoseconds.
	Timestamp int64 `json:"timestamp"`

	PluginID   string `json:"plugin_id"`
	Capability string `json:"capability"`
	Method     string `json:"method"`

	OK         bool    `json:"ok"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`

	// OutputRows estimates result cardinality: the element count for
	// list-shaped results, zero otherwise.
	OutputRows int64 `json:"output_rows,omitempty"`

	// InputHash and OutputHash digest the call arguments and result
	// so the trail proves what flowed through without storing it.
	InputHash  string `json:"input_hash,omitempty"`
	OutputHash string `json:"output_hash,omitempty"`

	// CodeHash is the verified artifact tree hash of the plugin that
	// served the call; SettingsHash digests its effective settings.
	CodeHash     string `json:"code_hash,omitempty"`
	SettingsHash string `json:"settings_hash,omitempty"`
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte
// values are the ASCII domain name zero-padded to 32 bytes, readable
// in hex dumps without weakening the keyed mode.
type domainKey [32]byte

var (
	payloadDomainKey = domainKey{
		't', 'e', 's', 's', 'e', 'r', 'a', '.', 'a', 'u', 'd', 'i', 't', '.',
		'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	settingsDomainKey = domainKey{
		't', 'e', 's', 's', 'e', 'r', 'a', '.', 'a', 'u', 'd', 'i', 't', '.',
		's', 'e', 't', 't', 'i', 'n', 'g', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashPayload digests a call argument list or result value. The value
// is encoded canonically first so equal payloads hash equal no matter
// what map ordering the caller produced.
func HashPayload(v any) (string, error) {
	return keyedHashHex(payloadDomainKey, v)
}

// HashSettings digests a plugin's effective settings object.
func HashSettings(settings map[string]any) (string, error) {
	return keyedHashHex(settingsDomainKey, settings)
}

func keyedHashHex(key domainKey, v any) (string, error) {
	encoded, err := codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: encoding payload for hashing: %w", err)
	}
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return "", fmt.Errorf("audit: keyed hash init: %w", err)
	}
	hasher.Write(encoded)
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
