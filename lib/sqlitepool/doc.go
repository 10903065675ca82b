// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite with the connection
// pool Tessera's local stores share. Every connection gets the same
// pragma set on first use: WAL journaling so operator queries never
// block the append path, NORMAL synchronous for process-crash
// durability, a busy timeout, a bounded page cache, memory-mapped
// reads, and in-memory temp storage. Stores supply their schema
// through [Config.OnConnect].
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. Connections are not safe for concurrent use; the pool is. The
// package stays thin on purpose: it exposes the zombiezen types
// directly and stores write plain SQL against them.
package sqlitepool
