// Package realtime provides drift-corrected frame pacing for framescript.
//
// A FrameClock derives every frame's wake time from a fixed start time and the
// frame index instead of from the previous frame's actual wake time:
//
//	target(N) = start + N * interval
//
// An iteration that overruns its budget makes the next Wait return
// immediately; the schedule itself never shifts, so timing error does not
// accumulate across frames.
//
// # Example Usage
//
//	fc := realtime.NewFrameClock(realtime.SystemClock{}, realtime.DefaultFrameInterval)
//	fc.Start()
//	for !done() {
//		fc.Wait()
//		step()
//		fc.Advance()
//	}
//
// # Trade-offs vs time.Ticker
//
// A ticker drops ticks when the receiver is slow and offers no frame index.
// FrameClock keeps the frame index as the single source of truth, runs on the
// caller's goroutine (no channel, no extra goroutine) and accepts an injected
// Clock so tests can drive time by hand.
//
// # Cancellation
//
// Wait is a plain timed sleep. Callers check their stop condition at frame
// boundaries, so stop latency is bounded by one frame interval.
package realtime
