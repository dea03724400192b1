package realtime

import "time"

// DefaultFrameInterval is the 60 FPS frame budget.
const DefaultFrameInterval = 16667 * time.Microsecond

// Clock is the time source used for pacing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock reads the wall clock and sleeps the calling goroutine.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
