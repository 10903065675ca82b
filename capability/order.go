// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"slices"
	"strings"

	"github.com/tessera-dev/tessera/audit"
)

// OrderPluginIDs resolves the provider order for one capability name.
// The order is deterministic: preferred plugins first in listed
// order, then ascending failure rate for plugins with enough audit
// history when failure ordering is enabled, then lexicographic plugin
// id. Plugins below the min-calls threshold rank as if they had never
// failed. A non-empty provider_ids filter that eliminates every
// candidate is a resolution failure.
//
// The dependency resolver uses the same function to pick the provider
// that satisfies a required capability, so load order and dispatch
// order can never disagree.
func OrderPluginIDs(capability string, ids []string, policy Policy, rates map[string]audit.Rate) ([]string, error) {
	if len(ids) == 0 {
		return nil, &PolicyError{Capability: capability, Reason: "no provider"}
	}

	candidates := slices.Clone(ids)
	if len(policy.ProviderIDs) > 0 {
		allowed := make(map[string]bool, len(policy.ProviderIDs))
		for _, id := range policy.ProviderIDs {
			allowed[id] = true
		}
		candidates = slices.DeleteFunc(candidates, func(id string) bool {
			return !allowed[id]
		})
		if len(candidates) == 0 {
			return nil, &PolicyError{
				Capability: capability,
				Reason:     "no provider survives the provider_ids filter",
			}
		}
	}

	preferredIndex := make(map[string]int, len(policy.Preferred))
	for i, id := range policy.Preferred {
		if _, seen := preferredIndex[id]; !seen {
			preferredIndex[id] = i
		}
	}
	rank := func(id string) int {
		if i, ok := preferredIndex[id]; ok {
			return i
		}
		return len(policy.Preferred)
	}
	failureRate := func(id string) float64 {
		if !policy.FailureOrdering.Enabled {
			return 0
		}
		rate, ok := rates[id]
		if !ok || rate.Calls < policy.FailureOrdering.MinCalls {
			return 0
		}
		return rate.FailureRate()
	}

	slices.SortFunc(candidates, func(a, b string) int {
		if byRank := rank(a) - rank(b); byRank != 0 {
			return byRank
		}
		rateA, rateB := failureRate(a), failureRate(b)
		if rateA < rateB {
			return -1
		}
		if rateA > rateB {
			return 1
		}
		return strings.Compare(a, b)
	})
	return candidates, nil
}
