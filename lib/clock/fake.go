// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	sequence uint64
	pending  []*fakeTimer
	changed  *sync.Cond
}

// fakeTimer is one scheduled After or AfterFunc. Exactly one of
// channel and callback is set.
type fakeTimer struct {
	deadline time.Time
	// sequence breaks deadline ties in registration order.
	sequence uint64
	channel  chan time.Time
	callback func()
	active   bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once Advance passes d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.scheduleLocked(&fakeTimer{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run inside the Advance call that passes d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{deadline: c.current.Add(max(d, 0)), callback: f}
	c.scheduleLocked(timer)

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := timer.active
			c.unscheduleLocked(timer)
			return wasActive
		},
	}
}

func (c *FakeClock) scheduleLocked(timer *fakeTimer) {
	c.sequence++
	timer.sequence = c.sequence
	timer.active = true
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) unscheduleLocked(timer *fakeTimer) {
	timer.active = false
	for index, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return
		}
	}
}

// Advance moves time forward by d and fires every timer whose deadline
// is not after the new time, earliest first. Timers scheduled by a
// firing callback are considered in the same pass.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		c.unscheduleLocked(next)
		// Callbacks observe Now() equal to their own deadline.
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		fireTime := c.current
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
		} else {
			select {
			case next.channel <- fireTime:
			default:
			}
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	if len(c.pending) == 0 {
		return nil
	}
	sort.Slice(c.pending, func(i, j int) bool {
		if c.pending[i].deadline.Equal(c.pending[j].deadline) {
			return c.pending[i].sequence < c.pending[j].sequence
		}
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
	if c.pending[0].deadline.After(target) {
		return nil
	}
	return c.pending[0]
}

// Pending returns the number of scheduled timers that have not fired
// or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n timers are pending. Use it
// before Advance when another goroutine is about to block on After.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}
