// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// SchemaJSON is the published JSON Schema for manifest files.
// Hand-edited manifests may carry comments and trailing commas; those
// are stripped before validation, but the artifact hash always covers
// the raw bytes as shipped.
//
//go:embed manifest.schema.json
var SchemaJSON []byte

// Issue is one problem reported by a schema validator.
type Issue struct {
	// Path locates the offending value ("entrypoints/0/kind").
	Path string

	// Message describes the violation.
	Message string
}

// Validator validates an instance against a JSON Schema. The kernel
// treats schema validation as an external service; installs that
// carry a full JSON Schema engine inject it here. A nil Validator
// falls back to the structural checks in Manifest.Validate alone.
type Validator interface {
	Validate(schema []byte, instance any) []Issue
}

// Parse decodes manifest bytes. Comments and trailing commas are
// tolerated (stripped to strict JSON); unknown fields are rejected so
// typos in permission names fail loudly instead of silently granting
// defaults.
func Parse(data []byte) (*Manifest, error) {
	clean := jsonc.ToJSON(data)

	decoder := json.NewDecoder(bytes.NewReader(clean))
	decoder.DisallowUnknownFields()

	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest invalid: %w", err)
	}
	return &m, nil
}

// ParseFile reads and parses the manifest at path, optionally running
// the injected schema validator, and records where it came from.
func ParseFile(path string, validator Validator) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if validator != nil {
		var instance any
		if err := json.Unmarshal(jsonc.ToJSON(data), &instance); err != nil {
			return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
		}
		if issues := validator.Validate(SchemaJSON, instance); len(issues) > 0 {
			return nil, fmt.Errorf("manifest %s: %s", path, formatIssues(issues))
		}
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

func formatIssues(issues []Issue) string {
	var b bytes.Buffer
	for i, issue := range issues {
		if i > 0 {
			b.WriteString("; ")
		}
		if issue.Path != "" {
			fmt.Fprintf(&b, "%s: ", issue.Path)
		}
		b.WriteString(issue.Message)
	}
	return b.String()
}
