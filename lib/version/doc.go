// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information for Tessera binaries.
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- semantic version string (set manually for releases)
//
// These default to "unknown" / "0.1.0-dev" when not injected, which is
// what development builds and test runs see. [Info] formats the short
// one-line form and [Full] adds the Go version and platform.
package version
