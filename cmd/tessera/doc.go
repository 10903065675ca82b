// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Tessera is the operator CLI for a tessera plugin install. It
// discovers plugin manifests, verifies them against the lockfile,
// updates and signs the lockfile, manages the crash-loop quarantine,
// and summarizes the audit trail.
package main
