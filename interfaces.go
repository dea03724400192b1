package framescript

import (
	"fmt"
	"time"
)

// Pluggable collaborator interfaces.
// The runtime observes and triggers these; it never owns their state.

// PacketSender is a queue-backed outbound message dispatcher.
type PacketSender interface {
	// ServersExist reports whether any remote server would receive a drain.
	ServersExist() bool
	// ReleaseQueuedMessages hands queued messages to the send path.
	ReleaseQueuedMessages()
	// IsThreaded reports whether the sender drains itself on its own worker.
	IsThreaded() bool
	// Process sends released packets. Returns true while work remains.
	Process() bool
}

// IntervalHinter is implemented by senders that want to know how often the
// runtime drives them.
type IntervalHinter interface {
	SetProcessCallIntervalHint(d time.Duration)
}

// Named is implemented by collaborators that can be bound into the script
// namespace under a global name.
type Named interface {
	Name() string
}

// Fault is an uncaught script error.
type Fault struct {
	Line    int    // 1-based source line, 0 if unknown
	Message string
	Seq     uint64 // distinguishes repeated faults with the same text
}

func (f Fault) String() string {
	return fmt.Sprintf("line %d: %s", f.Line, f.Message)
}

// Evaluator runs script source against a persistent global namespace.
type Evaluator interface {
	// Evaluate runs source. A non-nil fault means evaluation stopped at an
	// uncaught error.
	Evaluate(source string) (result string, fault *Fault)
	// UncaughtFault returns the most recent uncaught fault, if any.
	// Clearing is the evaluator's business.
	UncaughtFault() (Fault, bool)
}

// GlobalRegistrar is implemented by evaluators that accept host objects.
type GlobalRegistrar interface {
	RegisterGlobal(name string, value any) error
}

// PeerClass names a class of remote peers (e.g. "avatar-mixer").
type PeerClass string

// StateSubject is local state broadcast to peers every frame.
type StateSubject interface {
	Serialize() ([]byte, error)
}

// StateBroadcaster sends a serialized state payload to a class of peers.
type StateBroadcaster interface {
	Broadcast(payload []byte, class PeerClass) error
}

// EventPump drives pending host work synchronously.
// Pump must return in bounded time.
type EventPump interface {
	Pump()
}

// MenuRegistrar exposes a "stop" action for a running script.
type MenuRegistrar interface {
	AddStopAction(label string, onStop func())
	RemoveAction(label string)
}

// Worker is a dedicated execution context hosting a runtime.
// Quit requests termination and must not block.
type Worker interface {
	Quit()
}
