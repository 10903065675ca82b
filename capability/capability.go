// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability composes verified plugins into the registry the
// application calls. Every exposed operation is wrapped in a proxy
// that runs the per-call pipeline (contract validation, scoped RNG,
// network and filesystem guards, audit and trace emission) before and
// after the real function. Which provider answers a capability name
// is decided once per registry build by the policy resolver.
package capability

import "fmt"

// Mode fixes how many providers answer a capability name. The mode is
// constant for a capability across the lifetime of a registry build.
type Mode string

const (
	// ModeSingle routes every call to one resolved provider. When
	// several distinct plugins remain after filtering, calls fall
	// back through them in resolved order.
	ModeSingle Mode = "single"

	// ModeMulti keeps an ordered provider list and additionally
	// exposes fan-out dispatch to all of them.
	ModeMulti Mode = "multi"
)

// FailureOrdering enables ranking providers by their historical
// failure rate from the audit store. The look-back window is the
// store query's, configured globally.
type FailureOrdering struct {
	Enabled bool `json:"enabled"`

	// MinCalls is the audit history a provider needs before its
	// failure rate participates in ordering. Providers with fewer
	// recorded calls rank as if they had never failed.
	MinCalls int64 `json:"min_calls"`
}

// Policy controls provider resolution for one capability name.
type Policy struct {
	Mode Mode `json:"mode"`

	// Preferred orders listed plugin ids ahead of all others, in
	// listed order.
	Preferred []string `json:"preferred,omitempty"`

	// ProviderIDs, when non-empty, restricts resolution to the named
	// plugins. Resolution fails if nothing survives the filter.
	ProviderIDs []string `json:"provider_ids,omitempty"`

	// MaxProviders caps the provider list in multi mode. Zero means
	// no cap.
	MaxProviders int `json:"max_providers,omitempty"`

	FailureOrdering FailureOrdering `json:"failure_ordering,omitempty"`
}

// DefaultPolicy is applied to capability names with no configured
// policy.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeSingle}
}

// Validate rejects malformed policies.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeSingle, ModeMulti:
	case "":
		return fmt.Errorf("mode is required")
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.MaxProviders < 0 {
		return fmt.Errorf("max_providers %d is negative", p.MaxProviders)
	}
	if p.FailureOrdering.Enabled && p.FailureOrdering.MinCalls <= 0 {
		return fmt.Errorf("failure_ordering.min_calls must be positive when enabled")
	}
	return nil
}
