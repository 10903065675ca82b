// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import "fmt"

// PolicyError reports that capability resolution or dispatch failed
// under the configured policy: no provider survived filtering, a
// single-mode capability was registered twice by the same plugin, or
// a call named an unknown capability or function.
type PolicyError struct {
	Capability string
	Reason     string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("capability %q: %s", e.Capability, e.Reason)
}
