// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package loader

import "strings"

// NotAllowlistedError rejects an in-process entrypoint for a plugin
// missing from hosting.inproc_allowlist. In-process plugins share
// mutable guard state with the kernel, so the list is explicit and
// there is no fallback to subprocess hosting.
type NotAllowlistedError struct {
	PluginID string
}

func (e *NotAllowlistedError) Error() string {
	return "inproc_not_allowlisted:" + e.PluginID
}

// ReloadError aborts a hot reload. IDs names the plugins whose
// verification failed; none of the targeted plugins were touched and
// the prior registry stays in place.
type ReloadError struct {
	IDs []string
	Err error
}

func (e *ReloadError) Error() string {
	s := "hot_reload_failed:" + strings.Join(e.IDs, ",")
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ReloadError) Unwrap() error { return e.Err }
