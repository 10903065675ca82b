// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time source so components that wait,
// tick, or expire things can be driven deterministically in tests.
// Production code injects Real(); tests inject Fake(start) and call
// Advance to move time forward.
package clock

import "time"

// Clock is the time source injected into every component that reads
// the wall clock or waits on it (RPC deadlines, pool reaping, failure
// windows). Methods mirror the time package subset tessera uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel is buffered with
// capacity 1; ticks the consumer misses are dropped, not queued.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop ends tick delivery. It does not close C.
func (t *Ticker) Stop() { t.stop() }
