package framescript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comalice/framescript/realtime"
)

var (
	ErrRunning     = errors.New("script runtime is running")
	ErrFinished    = errors.New("script runtime already finished")
	ErrNoEvaluator = errors.New("script runtime has no evaluator")
)

// State is the runtime lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stats summarizes a run.
type Stats struct {
	Frames     uint64
	Faults     uint64
	Overruns   uint64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Registry issues process-wide sequence numbers to runtimes.
// Numbers start at 1 and are never reused.
type Registry struct {
	next atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Next returns the next sequence number.
func (r *Registry) Next() uint64 {
	return r.next.Add(1)
}

// NewRuntime creates a runtime for source with the next sequence number.
func (r *Registry) NewRuntime(source, name string, opts ...Option) *Runtime {
	return newRuntime(r.Next(), source, name, opts...)
}

// Runtime runs one script at a fixed frame cadence.
//
// Run must be called from a single goroutine; Stop may be called from
// anywhere. Lifecycle: created -> initialized -> running -> finished.
type Runtime struct {
	seq   uint64
	name  string
	label string

	evaluator   Evaluator
	senders     []PacketSender
	pump        EventPump
	menu        MenuRegistrar
	worker      Worker
	broadcaster StateBroadcaster
	peerClass   PeerClass
	clock       realtime.Clock
	interval    time.Duration
	logger      *slog.Logger

	// The only field written from outside the loop's goroutine.
	stopRequested atomic.Bool

	listeners listenerSet

	initMu sync.Mutex

	mu               sync.Mutex
	state            State
	evaluating       bool
	source           string
	subject          StateSubject
	subjectName      string
	broadcastEnabled bool
	stats            Stats

	// Owned by Run or Evaluate, which never overlap.
	lastFault   Fault
	faultLogged bool
}

func newRuntime(seq uint64, source, name string, opts ...Option) *Runtime {
	rt := &Runtime{
		seq:      seq,
		name:     name,
		source:   source,
		clock:    realtime.SystemClock{},
		interval: realtime.DefaultFrameInterval,
		logger:   slog.Default(),
	}
	if name != "" {
		rt.label = fmt.Sprintf("Stop %s [%d]", name, seq)
	} else {
		rt.label = fmt.Sprintf("Stop Script %d", seq)
	}

	for _, opt := range opts {
		opt(rt)
	}

	rt.logger = rt.logger.With("script", rt.name, "seq", rt.seq)
	return rt
}

// Sequence returns the process-wide sequence number.
func (rt *Runtime) Sequence() uint64 { return rt.seq }

// DisplayName returns the script's display (file) name.
func (rt *Runtime) DisplayName() string { return rt.name }

// MenuLabel returns the label of the runtime's stop action.
func (rt *Runtime) MenuLabel() string { return rt.label }

// FrameInterval returns the fixed frame interval.
func (rt *Runtime) FrameInterval() time.Duration { return rt.interval }

// State returns the lifecycle state.
func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) IsInitialized() bool { return rt.State() >= StateInitialized }
func (rt *Runtime) IsRunning() bool     { return rt.State() == StateRunning }
func (rt *Runtime) IsFinished() bool    { return rt.State() == StateFinished }

// Stats returns a snapshot of run statistics.
func (rt *Runtime) Stats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats
}

// Frame returns the number of completed frames.
func (rt *Runtime) Frame() uint64 {
	return rt.Stats().Frames
}

// ScriptContents returns the current source text.
func (rt *Runtime) ScriptContents() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.source
}

// SetScriptContents replaces the source text. Rejected with ErrRunning once
// the runtime is running; the source is left unchanged.
func (rt *Runtime) SetScriptContents(source string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == StateRunning {
		return ErrRunning
	}
	rt.source = source
	return nil
}

// AddListener registers l for notifications and returns a func removing it.
func (rt *Runtime) AddListener(l Listener) (remove func()) {
	return rt.listeners.add(l)
}

// BindWorker binds the runtime to a dedicated execution context.
func (rt *Runtime) BindWorker(w Worker) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == StateRunning {
		return ErrRunning
	}
	rt.worker = w
	return nil
}

// SetStateSubject attaches local state for per-frame broadcast and exposes
// it to the script as the global name, replacing any previous global.
func (rt *Runtime) SetStateSubject(name string, subject StateSubject) error {
	rt.mu.Lock()
	old := rt.subjectName
	rt.subject = subject
	rt.subjectName = name
	initialized := rt.state >= StateInitialized
	rt.mu.Unlock()

	if !initialized {
		return nil
	}
	reg, ok := rt.evaluator.(GlobalRegistrar)
	if !ok {
		return nil
	}
	if old != "" && old != name {
		if err := reg.RegisterGlobal(old, nil); err != nil {
			return fmt.Errorf("clear global %q: %w", old, err)
		}
	}
	return rt.registerGlobal(reg, name, subject)
}

// SetBroadcastEnabled toggles the per-frame state broadcast.
func (rt *Runtime) SetBroadcastEnabled(enabled bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.broadcastEnabled = enabled
}

// Stop requests the loop to exit at the next frame boundary.
// Idempotent, non-blocking and safe from any goroutine.
func (rt *Runtime) Stop() {
	rt.stopRequested.Store(true)
}

// StopRequested reports whether Stop was called.
func (rt *Runtime) StopRequested() bool {
	return rt.stopRequested.Load()
}

// Init performs one-time setup. Once it succeeds further calls are no-ops;
// a failed setup leaves the runtime created and is retried by the next call.
func (rt *Runtime) Init() error {
	rt.initMu.Lock()
	defer rt.initMu.Unlock()

	if rt.State() != StateCreated {
		return nil
	}
	if err := rt.setup(); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == StateCreated {
		rt.state = StateInitialized
	}
	return nil
}

func (rt *Runtime) setup() error {
	for _, s := range rt.senders {
		if h, ok := s.(IntervalHinter); ok {
			h.SetProcessCallIntervalHint(rt.interval)
		}
	}

	reg, ok := rt.evaluator.(GlobalRegistrar)
	if !ok {
		return nil
	}
	if err := rt.registerGlobal(reg, "Script", rt); err != nil {
		return err
	}
	for _, s := range rt.senders {
		if n, ok := s.(Named); ok {
			if err := rt.registerGlobal(reg, n.Name(), s); err != nil {
				return err
			}
		}
	}

	rt.mu.Lock()
	name, subject := rt.subjectName, rt.subject
	rt.mu.Unlock()
	if subject != nil && name != "" {
		return rt.registerGlobal(reg, name, subject)
	}
	return nil
}

func (rt *Runtime) registerGlobal(reg GlobalRegistrar, name string, value any) error {
	if err := reg.RegisterGlobal(name, value); err != nil {
		return fmt.Errorf("register global %q: %w", name, err)
	}
	return nil
}

// Evaluate runs the source once without entering the frame loop. It is
// rejected with ErrRunning while Run or another Evaluate is in progress.
func (rt *Runtime) Evaluate() (string, *Fault, error) {
	if rt.evaluator == nil {
		return "", nil, ErrNoEvaluator
	}
	if err := rt.Init(); err != nil {
		return "", nil, err
	}

	rt.mu.Lock()
	if rt.state == StateRunning || rt.evaluating {
		rt.mu.Unlock()
		return "", nil, ErrRunning
	}
	rt.evaluating = true
	source := rt.source
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.evaluating = false
		rt.mu.Unlock()
	}()

	result, fault := rt.evaluator.Evaluate(source)
	if fault != nil {
		rt.reportFault(*fault, 0)
	}
	return result, fault, nil
}

// Run evaluates the source, then drives the frame loop until Stop is called
// or ctx is done, and finally runs the shutdown sequence. Script faults are
// logged and never end the run.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.evaluator == nil {
		return ErrNoEvaluator
	}
	if err := rt.Init(); err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.evaluating {
		rt.mu.Unlock()
		return ErrRunning
	}
	switch rt.state {
	case StateRunning:
		rt.mu.Unlock()
		return ErrRunning
	case StateFinished:
		rt.mu.Unlock()
		return ErrFinished
	}
	rt.state = StateRunning
	rt.stats.StartedAt = rt.clock.Now()
	source := rt.source
	rt.mu.Unlock()

	rt.setupMenuItems()
	rt.logger.Info("script started", "interval", rt.interval)

	if _, fault := rt.evaluator.Evaluate(source); fault != nil {
		rt.reportFault(*fault, 0)
	}

	rt.loop(ctx)
	rt.shutdown()
	return nil
}

func (rt *Runtime) setupMenuItems() {
	if rt.menu != nil {
		rt.menu.AddStopAction(rt.label, rt.Stop)
	}
}

func (rt *Runtime) cleanMenuItems() {
	if rt.menu != nil {
		rt.menu.RemoveAction(rt.label)
	}
}
