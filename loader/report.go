// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package loader

// LoadReport accumulates the outcome of one load or reload pass. A
// single bad plugin lands in Failed and the pass continues; only
// cycles, unresolved conflicts, and lockfile-level trust failures
// abort the pass as a whole.
type LoadReport struct {
	// Loaded lists plugin ids in the order they were started.
	Loaded []string

	// Failed maps plugin ids (or manifest paths, when no id could
	// be parsed) to the error that stopped them.
	Failed map[string]error

	// Skipped maps plugin ids to the reason they were not
	// attempted.
	Skipped map[string]string
}

func newLoadReport() *LoadReport {
	return &LoadReport{
		Failed:  make(map[string]error),
		Skipped: make(map[string]string),
	}
}

func (r *LoadReport) fail(id string, err error) {
	r.Failed[id] = err
}

func (r *LoadReport) skip(id, reason string) {
	r.Skipped[id] = reason
}
