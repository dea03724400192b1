// Package scriptlua evaluates framescript scripts with go-lua.
//
// One Evaluator owns one Lua state. Every call into it (evaluation, timer
// and frame callbacks, state serialization) must happen on the goroutine
// running the framescript Runtime.
package scriptlua

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/Shopify/go-lua"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/eventloop"
)

// refTable is the registry key of the table holding Lua callbacks kept
// alive by Go.
const refTable = "framescript.refs"

// faultPattern matches "chunk:line: message".
var faultPattern = regexp.MustCompile(`^([^\n]*?):(\d+): ((?s:.*))$`)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEventLoop enables Script.set_timeout / set_interval / clear_timer.
func WithEventLoop(loop *eventloop.Loop) Option {
	return func(e *Evaluator) {
		e.loop = loop
	}
}

// WithLogger sets the structured logger used by Script.log.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// Evaluator is a framescript.Evaluator backed by a Lua state.
type Evaluator struct {
	l      *lua.State
	chunk  string
	loop   *eventloop.Loop
	logger *slog.Logger

	fault    *framescript.Fault
	faultSeq uint64

	nextRef   int
	timers    map[eventloop.TimerID]int
	listeners []func()
}

var (
	_ framescript.Evaluator       = (*Evaluator)(nil)
	_ framescript.GlobalRegistrar = (*Evaluator)(nil)
)

// New creates an evaluator with the standard libraries opened. name is the
// chunk name used in fault messages.
func New(name string, opts ...Option) *Evaluator {
	if name == "" {
		name = "script"
	}
	e := &Evaluator{
		l:      lua.NewState(),
		chunk:  name,
		logger: slog.Default(),
		timers: make(map[eventloop.TimerID]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	lua.OpenLibraries(e.l)
	e.l.NewTable()
	e.l.SetField(lua.RegistryIndex, refTable)
	return e
}

// Evaluate runs source in the shared global namespace. A new evaluation
// clears the previous fault.
func (e *Evaluator) Evaluate(source string) (string, *framescript.Fault) {
	e.fault = nil

	top := e.l.Top()
	defer e.l.SetTop(top)

	if err := lua.LoadBuffer(e.l, source, "@"+e.chunk, ""); err != nil {
		return "", e.record(err)
	}
	if err := e.l.ProtectedCall(0, 1, 0); err != nil {
		return "", e.record(err)
	}
	return e.describe(-1), nil
}

// UncaughtFault returns the latest fault from an evaluation or a callback.
func (e *Evaluator) UncaughtFault() (framescript.Fault, bool) {
	if e.fault == nil {
		return framescript.Fault{}, false
	}
	return *e.fault, true
}

// ClearFault forgets the current fault.
func (e *Evaluator) ClearFault() {
	e.fault = nil
}

func (e *Evaluator) record(err error) *framescript.Fault {
	e.faultSeq++
	f := parseFault(err.Error())
	f.Seq = e.faultSeq
	e.fault = &f
	return e.fault
}

func parseFault(msg string) framescript.Fault {
	m := faultPattern.FindStringSubmatch(msg)
	if m == nil {
		return framescript.Fault{Message: msg}
	}
	line, err := strconv.Atoi(m[2])
	if err != nil {
		return framescript.Fault{Message: msg}
	}
	return framescript.Fault{Line: line, Message: m[3]}
}

// describe renders the value at index the way a script author would read it.
func (e *Evaluator) describe(index int) string {
	if e.l.IsNoneOrNil(index) {
		return "nil"
	}
	if e.l.IsFunction(index) {
		return "function"
	}
	v, err := e.toGo(index, 0)
	if err != nil {
		return err.Error()
	}
	return fmt.Sprint(v)
}

// Close drops callbacks held by Go: listeners and pending timers.
func (e *Evaluator) Close() {
	for _, remove := range e.listeners {
		remove()
	}
	e.listeners = nil
	if e.loop != nil {
		for id, ref := range e.timers {
			e.loop.Cancel(id)
			e.unref(ref)
		}
	}
	e.timers = make(map[eventloop.TimerID]int)
}

// ref pins the value at index and returns its handle.
func (e *Evaluator) ref(index int) int {
	index = e.l.AbsIndex(index)
	e.nextRef++
	e.l.Field(lua.RegistryIndex, refTable)
	e.l.PushValue(index)
	e.l.RawSetInt(-2, e.nextRef)
	e.l.Pop(1)
	return e.nextRef
}

func (e *Evaluator) unref(ref int) {
	e.l.Field(lua.RegistryIndex, refTable)
	e.l.PushNil()
	e.l.RawSetInt(-2, ref)
	e.l.Pop(1)
}

// call invokes a pinned function. Errors become the current fault.
func (e *Evaluator) call(ref int, args ...any) {
	top := e.l.Top()
	defer e.l.SetTop(top)

	e.l.Field(lua.RegistryIndex, refTable)
	e.l.RawGetInt(-1, ref)
	if !e.l.IsFunction(-1) {
		return
	}
	for _, a := range args {
		e.pushValue(a)
	}
	if err := e.l.ProtectedCall(len(args), 0, 0); err != nil {
		f := e.record(err)
		e.logger.Debug("script callback failed", "line", f.Line, "error", f.Message)
	}
}
