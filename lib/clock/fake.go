// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock with manually controlled time. Advance moves the
// clock forward and releases any After channels or Sleep calls whose
// deadline has passed. The zero time is an arbitrary fixed instant so
// tests produce stable timestamps.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake returns a FakeClock starting at a fixed instant.
func Fake() *FakeClock {
	return &FakeClock{
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Now returns the fake clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once Advance moves the clock
// past the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.now.Add(d),
		ch:       ch,
	})
	return ch
}

// Sleep blocks until Advance moves the clock past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.deadline.After(c.now) {
			waiter.ch <- c.now
		} else {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
}
