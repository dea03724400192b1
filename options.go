package framescript

import (
	"log/slog"
	"time"

	"github.com/comalice/framescript/realtime"
)

// Option applies configuration to Runtime via functional options pattern.
type Option func(*Runtime)

// WithEvaluator sets the script evaluator. Required before Run.
func WithEvaluator(e Evaluator) Option {
	return func(rt *Runtime) {
		rt.evaluator = e
	}
}

// WithSenders appends packet senders drained every frame, in order.
func WithSenders(senders ...PacketSender) Option {
	return func(rt *Runtime) {
		rt.senders = append(rt.senders, senders...)
	}
}

// WithEventPump sets the host event pump driven once per frame.
func WithEventPump(p EventPump) Option {
	return func(rt *Runtime) {
		rt.pump = p
	}
}

// WithMenu registers a stop action for the runtime while it runs.
func WithMenu(m MenuRegistrar) Option {
	return func(rt *Runtime) {
		rt.menu = m
	}
}

// WithWorker binds the runtime to a dedicated execution context.
func WithWorker(w Worker) Option {
	return func(rt *Runtime) {
		rt.worker = w
	}
}

// WithBroadcaster sets where attached state is sent and to which peers.
func WithBroadcaster(b StateBroadcaster, class PeerClass) Option {
	return func(rt *Runtime) {
		rt.broadcaster = b
		rt.peerClass = class
	}
}

// WithClock replaces the wall clock used for pacing.
func WithClock(c realtime.Clock) Option {
	return func(rt *Runtime) {
		rt.clock = c
	}
}

// WithFrameInterval sets the frame interval. Non-positive values keep
// realtime.DefaultFrameInterval.
func WithFrameInterval(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.interval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}
