// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at start. Time moves only through
// Advance. Safe for concurrent use.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Pending waiters
// (After, Sleep, tickers) fire, in deadline order, when Advance moves
// the clock past their deadline.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []*fakeWaiter
	registered *sync.Cond
}

type fakeWaiter struct {
	at      time.Time
	ch      chan time.Time
	period  time.Duration // non-zero for tickers; rescheduled after firing
	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot waiter. A non-positive d delivers
// immediately without registering.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{at: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// NewTicker registers a periodic waiter. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := &fakeWaiter{at: c.now.Add(d), ch: make(chan time.Time, 1), period: d}
	c.waiters = append(c.waiters, w)
	c.registered.Broadcast()

	return &Ticker{
		C: w.ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Ticker sends
// that would overflow the buffer are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		w := c.nextExpired(target)
		if w == nil {
			return
		}
		select {
		case w.ch <- target:
		default:
		}
	}
}

// nextExpired pops the earliest-deadline expired waiter, rescheduling
// tickers and discarding one-shots. Returns nil when none remain.
func (c *FakeClock) nextExpired(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var earliest *fakeWaiter
	for _, w := range c.waiters {
		if w.stopped || w.at.After(target) {
			continue
		}
		if earliest == nil || w.at.Before(earliest.at) {
			earliest = w
		}
	}
	if earliest == nil {
		return nil
	}

	if earliest.period > 0 {
		earliest.at = earliest.at.Add(earliest.period)
	} else {
		c.waiters = slices.DeleteFunc(c.waiters, func(w *fakeWaiter) bool {
			return w == earliest
		})
	}
	return earliest
}

// BlockUntil waits until at least n waiters are registered and
// pending. Tests call this before Advance so a goroutine's timer
// registration cannot race the advance.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.registered.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
