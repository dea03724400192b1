// Package eventloop is the host event pump driven by a framescript Runtime.
//
// Work is posted from any goroutine and dispatched synchronously on the
// goroutine calling Pump. A Pump dispatches only the tasks that were due
// when it began, so it returns in bounded time even if callbacks keep
// posting more work; that work runs on the next Pump.
//
// Tasks due in the same Pump run in due-time order, ties broken by
// submission order.
package eventloop

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comalice/framescript/realtime"
)

// TimerID identifies a posted task.
type TimerID uint64

type task struct {
	id        TimerID
	seq       uint64
	due       time.Time
	every     time.Duration
	fn        func()
	cancelled atomic.Bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock.
func WithClock(c realtime.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithPanicHandler is called with the value recovered from a panicking
// callback. The default logs it.
func WithPanicHandler(h func(recovered any)) Option {
	return func(l *Loop) {
		l.onPanic = h
	}
}

// Loop is a timer-aware task queue. Safe for concurrent use; Pump must be
// called from a single goroutine.
type Loop struct {
	clock   realtime.Clock
	logger  *slog.Logger
	onPanic func(any)

	mu     sync.Mutex
	nextID TimerID
	seq    uint64
	tasks  []*task
	byID   map[TimerID]*task
	pumps  uint64
}

// New creates an empty Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:  realtime.SystemClock{},
		logger: slog.Default(),
		byID:   make(map[TimerID]*task),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.onPanic == nil {
		l.onPanic = func(r any) {
			l.logger.Error("event callback panicked", "panic", r)
		}
	}
	return l
}

// Post queues fn for the next Pump.
func (l *Loop) Post(fn func()) TimerID {
	return l.schedule(0, 0, fn)
}

// After queues fn to run on the first Pump at least d from now.
func (l *Loop) After(d time.Duration, fn func()) TimerID {
	return l.schedule(d, 0, fn)
}

// Every queues fn to run every d until cancelled. Missed periods are
// skipped, not replayed.
func (l *Loop) Every(d time.Duration, fn func()) TimerID {
	return l.schedule(d, d, fn)
}

func (l *Loop) schedule(delay, every time.Duration, fn func()) TimerID {
	if delay < 0 {
		delay = 0
	}
	due := l.clock.Now().Add(delay)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	t := &task{
		id:    l.nextID,
		due:   due,
		every: every,
		fn:    fn,
	}
	l.push(t)
	l.byID[t.id] = t
	return t.id
}

// push must be called with mu held.
func (l *Loop) push(t *task) {
	t.seq = l.seq
	l.seq++
	l.tasks = append(l.tasks, t)
}

// Cancel removes a pending task. Returns false if id is unknown or already
// ran to completion.
func (l *Loop) Cancel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	delete(l.byID, id)
	for i, queued := range l.tasks {
		if queued == t {
			l.tasks = append(l.tasks[:i:i], l.tasks[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of pending tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Pumps returns how many times Pump ran.
func (l *Loop) Pumps() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pumps
}

// Pump dispatches every task due now.
func (l *Loop) Pump() {
	l.Dispatch()
}

// Dispatch is Pump returning the number of callbacks run.
func (l *Loop) Dispatch() int {
	now := l.clock.Now()
	due := l.collect(now)

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].due.Equal(due[j].due) {
			return due[i].due.Before(due[j].due)
		}
		return due[i].seq < due[j].seq
	})

	ran := 0
	for _, t := range due {
		if t.cancelled.Load() {
			continue
		}
		l.run(t)
		ran++
		l.finish(t, now)
	}
	return ran
}

// collect atomically removes the tasks due at now.
func (l *Loop) collect(now time.Time) []*task {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pumps++
	var due []*task
	rest := make([]*task, 0, len(l.tasks))
	for _, t := range l.tasks {
		if t.due.After(now) {
			rest = append(rest, t)
			continue
		}
		due = append(due, t)
	}
	l.tasks = rest
	return due
}

func (l *Loop) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			l.onPanic(r)
		}
	}()
	t.fn()
}

// finish reschedules an interval task or forgets a one-shot one.
func (l *Loop) finish(t *task, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.cancelled.Load() {
		return
	}
	if t.every <= 0 {
		delete(l.byID, t.id)
		return
	}

	next := t.due.Add(t.every)
	if !next.After(now) {
		missed := now.Sub(next)/t.every + 1
		next = next.Add(missed * t.every)
	}
	t.due = next
	l.push(t)
}
