// Package supervisor runs script runtimes side by side, each on its own
// goroutine, and records a report when each one finishes.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/internal/notify"
	"github.com/comalice/framescript/internal/report"
)

var ErrDuplicateLabel = errors.New("a runtime with this label is already active")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPersister saves a report.RunReport for every finished run.
func WithPersister(p report.Persister) Option {
	return func(s *Supervisor) {
		s.persister = p
	}
}

// WithEvents forwards every runtime's notifications to ch.
func WithEvents(ch chan<- notify.Event) Option {
	return func(s *Supervisor) {
		s.events = ch
	}
}

// worker is the execution context a runtime is bound to. Quit cancels it.
type worker struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (w *worker) Quit() { w.cancel() }

// Supervisor tracks active runtimes by menu label.
type Supervisor struct {
	ctx       context.Context
	group     *errgroup.Group
	logger    *slog.Logger
	persister report.Persister
	events    chan<- notify.Event

	mu      sync.Mutex
	active  map[string]*framescript.Runtime
	reports []report.RunReport
}

// New creates a supervisor. Cancelling ctx stops every runtime.
func New(ctx context.Context, opts ...Option) *Supervisor {
	group, gctx := errgroup.WithContext(ctx)
	s := &Supervisor{
		ctx:    gctx,
		group:  group,
		logger: slog.Default(),
		active: make(map[string]*framescript.Runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs rt on a new goroutine. done, if not nil, runs after rt
// finished and its report was saved.
func (s *Supervisor) Start(rt *framescript.Runtime, done func()) error {
	label := rt.MenuLabel()

	s.mu.Lock()
	if _, ok := s.active[label]; ok {
		s.mu.Unlock()
		return ErrDuplicateLabel
	}
	s.active[label] = rt
	s.mu.Unlock()

	wctx, cancel := context.WithCancel(s.ctx)
	if err := rt.BindWorker(&worker{ctx: wctx, cancel: cancel}); err != nil {
		cancel()
		s.forget(label)
		return err
	}

	var detach func()
	if s.events != nil {
		_, detach = notify.Attach(s.ctx, rt, s.events)
	}
	removeFinished := rt.AddListener(framescript.ListenerFuncs{
		OnFinished: func(string) { s.forget(label) },
	})

	s.group.Go(func() error {
		defer cancel()
		defer removeFinished()
		if detach != nil {
			defer detach()
		}

		err := rt.Run(wctx)
		if err != nil {
			s.forget(label)
			s.logger.Error("script failed to run", "script", rt.DisplayName(), "seq", rt.Sequence(), "error", err)
			return err
		}
		s.record(rt)
		if done != nil {
			done()
		}
		return nil
	})
	return nil
}

func (s *Supervisor) forget(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, label)
}

func (s *Supervisor) record(rt *framescript.Runtime) {
	r := report.New(rt)

	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	if err := s.persister.Save(ctx, r); err != nil {
		s.logger.Warn("save run report", "run_id", r.RunID, "error", err)
		return
	}
	s.logger.Debug("run report saved", "run_id", r.RunID, "script", r.Name)
}

// Active returns the labels of runtimes that have not finished, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.active))
	for l := range s.active {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Reports returns the reports of finished runs in completion order.
func (s *Supervisor) Reports() []report.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report.RunReport(nil), s.reports...)
}

// StopAll requests every active runtime to stop.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	rts := make([]*framescript.Runtime, 0, len(s.active))
	for _, rt := range s.active {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	for _, rt := range rts {
		rt.Stop()
	}
}

// Wait blocks until every started runtime returned. It reports the first
// run error.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}
