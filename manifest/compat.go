// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// KernelInfo is the running kernel's identity for compatibility
// checks.
type KernelInfo struct {
	// APIVersion is the kernel API version plugins constrain with
	// compat.kernel ranges.
	APIVersion string

	// SchemaVersions lists the manifest/contract schema versions the
	// kernel supports.
	SchemaVersions []string
}

// Range is a parsed version range: a conjunction of comparison terms
// such as ">=1.2, <2.0". An empty range contains every version.
type Range struct {
	terms []rangeTerm
}

type rangeTerm struct {
	op      string
	version []int
}

var rangeOps = []string{">=", "<=", "==", ">", "<"}

// ParseRange parses a comma-separated conjunction of version
// comparisons. Every term must carry an explicit operator.
func ParseRange(s string) (Range, error) {
	var r Range
	for _, raw := range strings.Split(s, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}

		var op string
		for _, candidate := range rangeOps {
			if strings.HasPrefix(term, candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return Range{}, fmt.Errorf("range term %q has no operator (want >=, <=, >, <, ==)", term)
		}

		version, err := parseVersion(strings.TrimSpace(term[len(op):]))
		if err != nil {
			return Range{}, fmt.Errorf("range term %q: %w", term, err)
		}
		r.terms = append(r.terms, rangeTerm{op: op, version: version})
	}
	return r, nil
}

// Contains reports whether version satisfies every term of the range.
func (r Range) Contains(version string) (bool, error) {
	v, err := parseVersion(version)
	if err != nil {
		return false, err
	}
	for _, term := range r.terms {
		c := compareVersions(v, term.version)
		ok := false
		switch term.op {
		case ">=":
			ok = c >= 0
		case "<=":
			ok = c <= 0
		case ">":
			ok = c > 0
		case "<":
			ok = c < 0
		case "==":
			ok = c == 0
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CompatibleWith checks the manifest's compat block against the
// running kernel: the kernel API version must fall inside the
// declared range, and every schema version the plugin requires must
// be one the kernel supports.
func (m *Manifest) CompatibleWith(kernel KernelInfo) error {
	if m.Compat.Kernel != "" {
		r, err := ParseRange(m.Compat.Kernel)
		if err != nil {
			return fmt.Errorf("plugin %s: compat.kernel: %w", m.PluginID, err)
		}
		ok, err := r.Contains(kernel.APIVersion)
		if err != nil {
			return fmt.Errorf("plugin %s: kernel version %q: %w", m.PluginID, kernel.APIVersion, err)
		}
		if !ok {
			return fmt.Errorf("plugin %s requires kernel %s, running %s",
				m.PluginID, m.Compat.Kernel, kernel.APIVersion)
		}
	}

	for _, required := range m.Compat.SchemaVersions {
		supported := false
		for _, have := range kernel.SchemaVersions {
			if have == required {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("plugin %s requires schema version %q, kernel supports %v",
				m.PluginID, required, kernel.SchemaVersions)
		}
	}
	return nil
}

// parseVersion parses a dotted numeric version ("1", "1.2", "1.2.3").
func parseVersion(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	version := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("version %q: segment %q is not a non-negative integer", s, part)
		}
		version[i] = n
	}
	return version, nil
}

// compareVersions compares segment-wise with missing segments as
// zero: 1.2 == 1.2.0 < 1.2.1.
func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
