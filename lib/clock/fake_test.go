// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(testStart)
	ch := c.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		want := testStart.Add(5 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fire time = %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveDeliversImmediately(t *testing.T) {
	c := Fake(testStart)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
}

func TestFakeTickerPeriodic(t *testing.T) {
	c := Fake(testStart)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing after advance", i)
		}
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(testStart)
	ticker := c.NewTicker(time.Minute)
	ticker.Stop()

	c.Advance(5 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker still delivered")
	default:
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	c := Fake(testStart)
	done := make(chan struct{})
	go func() {
		c.Sleep(10 * time.Second)
		close(done)
	}()

	c.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	c.Advance(10 * time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeNowTracksAdvance(t *testing.T) {
	c := Fake(testStart)
	c.Advance(90 * time.Minute)
	if got, want := c.Now(), testStart.Add(90*time.Minute); !got.Equal(want) {
		t.Errorf("Now = %v, want %v", got, want)
	}
}
