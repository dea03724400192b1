// Package testutil provides fakes for the collaborators a framescript
// Runtime consumes, plus a Trace that records the order of calls across them.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/comalice/framescript"
)

// Trace is an append-only, goroutine-safe call log.
type Trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *Trace) Add(format string, args ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the log.
func (t *Trace) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Index returns the position of the first call equal to s, or -1.
func (t *Trace) Index(s string) int {
	for i, c := range t.Calls() {
		if c == s {
			return i
		}
	}
	return -1
}

// Count returns how many calls equal s.
func (t *Trace) Count(s string) int {
	n := 0
	for _, c := range t.Calls() {
		if c == s {
			n++
		}
	}
	return n
}

// ManualClock is a Clock whose Sleep advances virtual time.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// Advance simulates work taking d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every requested sleep.
func (c *ManualClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Sender is a PacketSender that records calls.
type Sender struct {
	Label    string
	Threaded bool
	Trace    *Trace

	mu        sync.Mutex
	servers   bool
	releases  int
	processes int
	hint      time.Duration
	hints     int
}

func (s *Sender) SetServers(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = ok
}

func (s *Sender) ServersExist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servers
}

func (s *Sender) ReleaseQueuedMessages() {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	s.Trace.Add("%s.release", s.Label)
}

func (s *Sender) IsThreaded() bool { return s.Threaded }

func (s *Sender) Process() bool {
	s.mu.Lock()
	s.processes++
	s.mu.Unlock()
	s.Trace.Add("%s.process", s.Label)
	return false
}

func (s *Sender) SetProcessCallIntervalHint(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hint = d
	s.hints++
}

func (s *Sender) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func (s *Sender) Processes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes
}

// Hints returns the last interval hint and how many were received.
func (s *Sender) Hints() (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hint, s.hints
}

// Evaluator is a scripted framescript.Evaluator.
// FaultAtPoll maps a 1-based UncaughtFault poll number to the fault that
// becomes current at that poll; ClearAtPoll clears the current fault.
type Evaluator struct {
	EvalFault   *framescript.Fault
	FaultAtPoll map[int]framescript.Fault
	ClearAtPoll map[int]bool
	RegisterErr error
	OnEvaluate  func(source string)
	Trace       *Trace

	mu       sync.Mutex
	evals    []string
	polls    int
	current  *framescript.Fault
	globals  map[string]any
	register int
}

func (e *Evaluator) Evaluate(source string) (string, *framescript.Fault) {
	if e.OnEvaluate != nil {
		e.OnEvaluate(source)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evals = append(e.evals, source)
	e.current = e.EvalFault
	return "ok", e.EvalFault
}

func (e *Evaluator) UncaughtFault() (framescript.Fault, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls++
	if e.ClearAtPoll[e.polls] {
		e.current = nil
	}
	if f, ok := e.FaultAtPoll[e.polls]; ok {
		e.current = &f
	}
	if e.current == nil {
		return framescript.Fault{}, false
	}
	return *e.current, true
}

func (e *Evaluator) RegisterGlobal(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.globals == nil {
		e.globals = map[string]any{}
	}
	e.register++
	if e.RegisterErr != nil {
		return e.RegisterErr
	}
	if value == nil {
		delete(e.globals, name)
		return nil
	}
	e.globals[name] = value
	return nil
}

func (e *Evaluator) Evaluations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evals...)
}

func (e *Evaluator) Polls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}

// Global returns a registered global.
func (e *Evaluator) Global(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.globals[name]
	return v, ok
}

// Pump is an EventPump that calls OnPump with the 1-based pump count.
type Pump struct {
	OnPump func(n int)
	Trace  *Trace

	mu sync.Mutex
	n  int
}

func (p *Pump) Pump() {
	p.mu.Lock()
	p.n++
	n := p.n
	p.mu.Unlock()
	p.Trace.Add("pump")
	if p.OnPump != nil {
		p.OnPump(n)
	}
}

func (p *Pump) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Menu records stop actions.
type Menu struct {
	Trace *Trace

	mu      sync.Mutex
	actions map[string]func()
}

func (m *Menu) AddStopAction(label string, onStop func()) {
	m.mu.Lock()
	if m.actions == nil {
		m.actions = map[string]func(){}
	}
	m.actions[label] = onStop
	m.mu.Unlock()
	m.Trace.Add("menu.add %s", label)
}

func (m *Menu) RemoveAction(label string) {
	m.mu.Lock()
	delete(m.actions, label)
	m.mu.Unlock()
	m.Trace.Add("menu.remove %s", label)
}

// Action returns the stop action registered under label.
func (m *Menu) Action(label string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.actions[label]
	return f, ok
}

// Worker records Quit calls.
type Worker struct {
	Trace *Trace
}

func (w *Worker) Quit() { w.Trace.Add("worker.quit") }

// Listener returns a framescript.Listener that records into t.
func Listener(t *Trace) framescript.Listener {
	return framescript.ListenerFuncs{
		OnVisualDataFrame: func(frame uint64) { t.Add("visual %d", frame) },
		OnScriptEnding:    func() { t.Add("ending") },
		OnFinished:        func(name string) { t.Add("finished %s", name) },
	}
}

// Broadcaster records broadcasts.
type Broadcaster struct {
	Err   error
	Trace *Trace

	mu       sync.Mutex
	payloads [][]byte
}

func (b *Broadcaster) Broadcast(payload []byte, class framescript.PeerClass) error {
	b.mu.Lock()
	b.payloads = append(b.payloads, payload)
	b.mu.Unlock()
	b.Trace.Add("broadcast %s", class)
	return b.Err
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

// Subject is a fixed StateSubject.
type Subject []byte

func (s Subject) Serialize() ([]byte, error) { return []byte(s), nil }
