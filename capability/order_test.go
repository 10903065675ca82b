// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tessera-dev/tessera/audit"
)

func TestOrderLexicographicDefault(t *testing.T) {
	got, err := OrderPluginIDs("storage.metadata",
		[]string{"zeta", "alpha", "mid"}, DefaultPolicy(), nil)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestOrderPreferredFirst(t *testing.T) {
	policy := DefaultPolicy()
	policy.Preferred = []string{"mid", "zeta"}

	got, err := OrderPluginIDs("storage.metadata",
		[]string{"zeta", "alpha", "mid"}, policy, nil)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	want := []string{"mid", "zeta", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestOrderProviderIDsFilter(t *testing.T) {
	policy := DefaultPolicy()
	policy.ProviderIDs = []string{"alpha", "zeta"}

	got, err := OrderPluginIDs("storage.metadata",
		[]string{"zeta", "alpha", "mid"}, policy, nil)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	want := []string{"alpha", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}

	policy.ProviderIDs = []string{"nobody"}
	_, err = OrderPluginIDs("storage.metadata",
		[]string{"zeta", "alpha", "mid"}, policy, nil)
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("empty filter result: err = %v, want *PolicyError", err)
	}
	if policyErr.Capability != "storage.metadata" {
		t.Errorf("PolicyError.Capability = %q", policyErr.Capability)
	}
}

func TestOrderFailureRate(t *testing.T) {
	policy := DefaultPolicy()
	policy.FailureOrdering = FailureOrdering{Enabled: true, MinCalls: 10}

	rates := map[string]audit.Rate{
		"alpha": {Calls: 100, Failures: 30},
		"beta":  {Calls: 100, Failures: 5},
		// gamma has too little history to participate; it ranks as
		// if it had never failed.
		"gamma": {Calls: 3, Failures: 3},
	}

	got, err := OrderPluginIDs("media.transcode",
		[]string{"alpha", "beta", "gamma"}, policy, rates)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	want := []string{"gamma", "beta", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestOrderFailureRateDisabled(t *testing.T) {
	rates := map[string]audit.Rate{
		"alpha": {Calls: 100, Failures: 90},
		"beta":  {Calls: 100, Failures: 0},
	}

	got, err := OrderPluginIDs("media.transcode",
		[]string{"beta", "alpha"}, DefaultPolicy(), rates)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	// Without failure ordering the rates are ignored entirely.
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestOrderPreferredBeatsFailureRate(t *testing.T) {
	policy := DefaultPolicy()
	policy.Preferred = []string{"alpha"}
	policy.FailureOrdering = FailureOrdering{Enabled: true, MinCalls: 1}

	rates := map[string]audit.Rate{
		"alpha": {Calls: 50, Failures: 50},
		"beta":  {Calls: 50, Failures: 0},
	}

	got, err := OrderPluginIDs("media.transcode",
		[]string{"alpha", "beta"}, policy, rates)
	if err != nil {
		t.Fatalf("OrderPluginIDs: %v", err)
	}
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v: preferred outranks failure rate", got, want)
	}
}

func TestOrderNoProviders(t *testing.T) {
	_, err := OrderPluginIDs("storage.metadata", nil, DefaultPolicy(), nil)
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("err = %v, want *PolicyError", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"single", Policy{Mode: ModeSingle}, false},
		{"multi capped", Policy{Mode: ModeMulti, MaxProviders: 2}, false},
		{"missing mode", Policy{}, true},
		{"unknown mode", Policy{Mode: "broadcast"}, true},
		{"negative cap", Policy{Mode: ModeMulti, MaxProviders: -1}, true},
		{"failure ordering without min_calls", Policy{
			Mode:            ModeSingle,
			FailureOrdering: FailureOrdering{Enabled: true},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
