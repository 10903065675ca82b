// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for Tessera binaries.
// [Fatal] is the standard main() error handler for failures that
// happen before or without a structured logger, which for a plugin
// binary is most of them: stderr is the only channel the host leaves
// open for diagnostics.
package process
