package framescript

import (
	"context"

	"github.com/comalice/framescript/realtime"
)

// loop is the frame pacing loop. It returns when a stop is observed at a
// frame boundary or right after the host event pump.
func (rt *Runtime) loop(ctx context.Context) {
	fc := realtime.NewFrameClock(rt.clock, rt.interval)
	fc.Start()

	for {
		frame := fc.Frame()
		_, overrun := fc.Wait()

		if rt.stopping(ctx) {
			return
		}

		if rt.pump != nil {
			rt.pump.Pump()
		}

		// A host event may have requested termination.
		if rt.stopping(ctx) {
			return
		}

		visualData := rt.drainSenders(false)

		rt.broadcastState()

		if visualData {
			rt.listeners.visualDataFrame(frame)
		}

		if fault, ok := rt.evaluator.UncaughtFault(); ok {
			rt.reportFault(fault, frame)
		} else {
			// Cleared by the evaluator; the next fault is new.
			rt.faultLogged = false
		}

		fc.Advance()
		rt.completeFrame(frame > 0 && overrun > 0)
	}
}

func (rt *Runtime) stopping(ctx context.Context) bool {
	return rt.stopRequested.Load() || ctx.Err() != nil
}

// drainSenders releases queued messages and drives non-threaded senders.
// Unless force is set, senders without servers are skipped. Reports whether
// any sender had servers.
func (rt *Runtime) drainSenders(force bool) (serversSeen bool) {
	for _, s := range rt.senders {
		if !force {
			if !s.ServersExist() {
				continue
			}
			serversSeen = true
		}

		s.ReleaseQueuedMessages()

		// Threaded senders drain on their own worker.
		if !s.IsThreaded() {
			s.Process()
		}
	}
	return serversSeen
}

// broadcastState sends the attached subject. Best-effort: failures are
// logged and the frame goes on.
func (rt *Runtime) broadcastState() {
	rt.mu.Lock()
	subject, enabled := rt.subject, rt.broadcastEnabled
	rt.mu.Unlock()

	if !enabled || subject == nil || rt.broadcaster == nil {
		return
	}
	payload, err := subject.Serialize()
	if err != nil {
		rt.logger.Debug("serialize state", "error", err)
		return
	}
	if err := rt.broadcaster.Broadcast(payload, rt.peerClass); err != nil {
		rt.logger.Debug("broadcast state", "class", rt.peerClass, "error", err)
	}
}

// reportFault logs a fault once; the evaluator keeps reporting it until it
// clears it itself.
func (rt *Runtime) reportFault(f Fault, frame uint64) {
	if rt.faultLogged && f == rt.lastFault {
		return
	}
	rt.lastFault = f
	rt.faultLogged = true

	rt.mu.Lock()
	rt.stats.Faults++
	rt.mu.Unlock()

	rt.logger.Warn("uncaught exception", "line", f.Line, "error", f.Message, "frame", frame)
}

func (rt *Runtime) completeFrame(overran bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stats.Frames++
	if overran {
		rt.stats.Overruns++
	}
}

// shutdown runs once after the loop exits: ending notification, final
// drain of every sender, menu cleanup, worker quit, finished notification,
// and finally the transition out of running.
func (rt *Runtime) shutdown() {
	rt.listeners.scriptEnding()

	rt.drainSenders(true)

	rt.cleanMenuItems()

	if rt.worker != nil {
		rt.worker.Quit()
	}

	rt.listeners.finished(rt.name)

	rt.mu.Lock()
	rt.state = StateFinished
	rt.stats.FinishedAt = rt.clock.Now()
	stats := rt.stats
	rt.mu.Unlock()

	rt.logger.Info("script finished", "frames", stats.Frames, "faults", stats.Faults, "overruns", stats.Overruns)
}
