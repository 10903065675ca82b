// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package host

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits installs resource limits on an already-started child.
func applyLimits(pid int, limits *Limits) error {
	set := func(resource int, name string, value uint64) error {
		if value == 0 {
			return nil
		}
		rlim := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &rlim, nil); err != nil {
			return fmt.Errorf("setting %s=%d: %w", name, value, err)
		}
		return nil
	}
	if err := set(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", limits.MaxOpenFiles); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_NPROC, "RLIMIT_NPROC", limits.MaxProcesses); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_AS, "RLIMIT_AS", limits.MaxAddressSpace); err != nil {
		return err
	}
	return nil
}
