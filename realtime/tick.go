package realtime

import "time"

// FrameClock paces a loop at a fixed interval.
// Not safe for concurrent use; it belongs to the loop's goroutine.
type FrameClock struct {
	clock    Clock
	interval time.Duration
	start    time.Time
	frame    uint64
}

// NewFrameClock creates a frame clock. A non-positive interval selects
// DefaultFrameInterval; a nil clock selects SystemClock.
func NewFrameClock(clock Clock, interval time.Duration) *FrameClock {
	if clock == nil {
		clock = SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameClock{
		clock:    clock,
		interval: interval,
	}
}

// Start records the start time and rewinds to frame 0.
func (c *FrameClock) Start() {
	c.start = c.clock.Now()
	c.frame = 0
}

// Interval returns the fixed frame interval.
func (c *FrameClock) Interval() time.Duration {
	return c.interval
}

// StartTime returns the time recorded by Start.
func (c *FrameClock) StartTime() time.Time {
	return c.start
}

// Frame returns the current frame index.
func (c *FrameClock) Frame() uint64 {
	return c.frame
}

// Target returns the scheduled wake time of frame n.
func (c *FrameClock) Target(n uint64) time.Time {
	return c.start.Add(time.Duration(n) * c.interval)
}

// Wait sleeps until the current frame's target time.
// When the target already passed, Wait returns at once and reports by how
// much the previous iteration overran.
func (c *FrameClock) Wait() (slept, overrun time.Duration) {
	d := c.Target(c.frame).Sub(c.clock.Now())
	if d > 0 {
		c.clock.Sleep(d)
		return d, 0
	}
	return 0, -d
}

// Advance moves to the next frame and returns its index.
func (c *FrameClock) Advance() uint64 {
	c.frame++
	return c.frame
}
