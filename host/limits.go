// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package host

// Limits caps resource usage of a plugin child. Zero fields are left
// at the inherited defaults.
type Limits struct {
	// MaxOpenFiles caps file descriptors (RLIMIT_NOFILE).
	MaxOpenFiles uint64

	// MaxProcesses caps threads and subprocesses (RLIMIT_NPROC).
	MaxProcesses uint64

	// MaxAddressSpace caps virtual memory in bytes (RLIMIT_AS).
	MaxAddressSpace uint64
}
