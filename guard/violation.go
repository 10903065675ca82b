// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"fmt"
)

// ViolationKind classifies a guard denial. Callers branch on the
// kind via errors.As, never on message text.
type ViolationKind int

const (
	// FilesystemDenied: a path access fell outside every allowed
	// root. The Violation carries the attempted path.
	FilesystemDenied ViolationKind = iota + 1

	// NetworkDenied: socket construction inside a net-denied scope.
	NetworkDenied

	// CapabilityNotAllowed: a plugin invoked a capability it was not
	// granted. The Violation carries the plugin and capability.
	CapabilityNotAllowed

	// Timeout: an RPC deadline elapsed and the child was killed.
	Timeout
)

// String returns the snake_case name of the kind.
func (k ViolationKind) String() string {
	switch k {
	case FilesystemDenied:
		return "filesystem_denied"
	case NetworkDenied:
		return "network_denied"
	case CapabilityNotAllowed:
		return "capability_not_allowed"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("violation(%d)", int(k))
	}
}

// Violation is a guard denial. Guards never downgrade a denial into a
// default value; the violation propagates to the caller unchanged.
type Violation struct {
	Kind ViolationKind

	// Op is "read" or "write" for filesystem denials.
	Op string

	// Path is the attempted path for filesystem denials.
	Path string

	// PluginID and Capability identify a capability denial.
	PluginID   string
	Capability string
}

func (v *Violation) Error() string {
	switch v.Kind {
	case FilesystemDenied:
		return fmt.Sprintf("guard: filesystem %s denied: %s", v.Op, v.Path)
	case NetworkDenied:
		return "guard: network access denied"
	case CapabilityNotAllowed:
		return fmt.Sprintf("guard: capability %s not allowed for plugin %s", v.Capability, v.PluginID)
	case Timeout:
		return "guard: call timed out"
	default:
		return "guard: " + v.Kind.String()
	}
}

// Code returns the stable string form surfaced to CLI and log
// consumers.
func (v *Violation) Code() string {
	if v.Kind == CapabilityNotAllowed {
		return fmt.Sprintf("capability_not_allowed:%s:%s", v.PluginID, v.Capability)
	}
	return v.Kind.String()
}

// KindOf extracts the violation kind from an error chain. The second
// return is false when the error is not a guard violation.
func KindOf(err error) (ViolationKind, bool) {
	var v *Violation
	if !errors.As(err, &v) {
		return 0, false
	}
	return v.Kind, true
}
