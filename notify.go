package framescript

import "sync"

// Listener receives runtime notifications. All methods are called on the
// runtime's goroutine and must not block for long.
type Listener interface {
	// VisualDataFrame fires on frames where some sender had servers, after
	// this frame's drain, so payloads queued now go out next frame.
	VisualDataFrame(frame uint64)
	// ScriptEnding fires once when the loop exits, before the final drain.
	ScriptEnding()
	// Finished fires once, last, with the runtime's display name.
	Finished(name string)
}

// ListenerFuncs adapts optional funcs to Listener.
type ListenerFuncs struct {
	OnVisualDataFrame func(frame uint64)
	OnScriptEnding    func()
	OnFinished        func(name string)
}

func (f ListenerFuncs) VisualDataFrame(frame uint64) {
	if f.OnVisualDataFrame != nil {
		f.OnVisualDataFrame(frame)
	}
}

func (f ListenerFuncs) ScriptEnding() {
	if f.OnScriptEnding != nil {
		f.OnScriptEnding()
	}
}

func (f ListenerFuncs) Finished(name string) {
	if f.OnFinished != nil {
		f.OnFinished(name)
	}
}

type listenerEntry struct {
	id int
	l  Listener
}

// listenerSet dispatches in registration order. Dispatch works on a
// snapshot so listeners may add or remove listeners while being notified.
type listenerSet struct {
	mu      sync.Mutex
	nextID  int
	entries []listenerEntry
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry{id: id, l: l})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.l
	}
	return out
}

func (s *listenerSet) visualDataFrame(frame uint64) {
	for _, l := range s.snapshot() {
		l.VisualDataFrame(frame)
	}
}

func (s *listenerSet) scriptEnding() {
	for _, l := range s.snapshot() {
		l.ScriptEnding()
	}
}

func (s *listenerSet) finished(name string) {
	for _, l := range s.snapshot() {
		l.Finished(name)
	}
}
