// Package consensus implements the per-validator BFT state machine of
// spec §4.H: three-phase (Propose/Prevote/Precommit) rounds, a
// majority-quorum commit rule, round-change on timeout, and the
// locking discipline that makes a commit safe across round changes.
package consensus

import "time"

// Clock abstracts wall time away from the state machine so tests can
// drive round progression deterministically (the "Round progression"
// scenario of spec §8) instead of racing real timers. Grounded on the
// virtual-time harness pattern in
// original_source/exonum-node/src/sandbox/sandbox_tests_helper.rs,
// whose sandbox advances a simulated clock explicitly rather than
// sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives once, after d has elapsed
	// according to this clock.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock, backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// VirtualClock is a test Clock advanced explicitly by calling Advance;
// After only ever fires in response to an Advance call, never on its
// own, so tests control round progression step by step.
type VirtualClock struct {
	now      time.Time
	waiters  []virtualWaiter
}

type virtualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtualClock returns a VirtualClock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time { return c.now }

func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, virtualWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline has now passed.
func (c *VirtualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
