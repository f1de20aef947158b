package engine

import "sync/atomic"

// Clock is the monotonic logical clock that stamps queue items.
//
// Every enqueue and requeue takes a strictly increasing seq from this clock.
// The seq breaks createdAt ties in dequeue order and orders each entity's
// chain of items, so wall-clock resolution never decides ordering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock at 0; the first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances the clock and returns the new seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// AdvanceTo moves the clock forward to seq if it is behind.
// Used by Restore so restored items keep their order ahead of new ones.
func (c *Clock) AdvanceTo(seq int64) {
	for {
		cur := c.seq.Load()
		if cur >= seq || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
