// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package host

// applyLimits is a no-op where prlimit is unavailable.
func applyLimits(pid int, limits *Limits) error {
	return nil
}
