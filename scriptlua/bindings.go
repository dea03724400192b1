package scriptlua

import (
	"fmt"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/eventloop"
)

// ScriptHost is the runtime seen by scripts as the Script global.
type ScriptHost interface {
	Stop()
	DisplayName() string
	Frame() uint64
	AddListener(framescript.Listener) (remove func())
}

// MessageQueue is a packet sender seen by scripts; queue(tbl) encodes tbl
// with msgpack and queues it.
type MessageQueue interface {
	QueueMessage(msg []byte)
}

// RegisterGlobal binds a host value into the global namespace. nil removes
// the global.
func (e *Evaluator) RegisterGlobal(name string, value any) error {
	switch v := value.(type) {
	case nil:
		e.l.PushNil()
	case ScriptHost:
		e.pushScript(v)
	case MessageQueue:
		e.pushQueue(v)
	case *TableSubject:
		return e.bindSubject(name, v)
	case bool, string, int, int64, uint64, float64, []any, map[string]any:
		e.pushValue(v)
	default:
		return fmt.Errorf("unsupported global type %T", value)
	}
	e.l.SetGlobal(name)
	return nil
}

// argOffset is 1 when the function was called with a colon (self first).
func argOffset(l *lua.State, n int) int {
	if l.Top() > n && l.TypeOf(1) == lua.TypeTable {
		return 1
	}
	return 0
}

func (e *Evaluator) setFunc(name string, fn lua.Function) {
	e.l.PushGoFunction(fn)
	e.l.SetField(-2, name)
}

func (e *Evaluator) pushScript(host ScriptHost) {
	e.l.NewTable()

	e.setFunc("stop", func(l *lua.State) int {
		host.Stop()
		return 0
	})
	e.setFunc("name", func(l *lua.State) int {
		l.PushString(host.DisplayName())
		return 1
	})
	e.setFunc("frame", func(l *lua.State) int {
		l.PushInteger(int(host.Frame()))
		return 1
	})
	e.setFunc("log", func(l *lua.State) int {
		msg := lua.CheckString(l, 1+argOffset(l, 1))
		e.logger.Info(msg, "script", host.DisplayName())
		return 0
	})
	e.setFunc("on_frame", func(l *lua.State) int {
		i := 1 + argOffset(l, 1)
		lua.CheckType(l, i, lua.TypeFunction)
		ref := e.ref(i)
		e.listeners = append(e.listeners, host.AddListener(framescript.ListenerFuncs{
			OnVisualDataFrame: func(frame uint64) { e.call(ref, frame) },
		}))
		return 0
	})
	e.setFunc("on_ending", func(l *lua.State) int {
		i := 1 + argOffset(l, 1)
		lua.CheckType(l, i, lua.TypeFunction)
		ref := e.ref(i)
		e.listeners = append(e.listeners, host.AddListener(framescript.ListenerFuncs{
			OnScriptEnding: func() { e.call(ref) },
		}))
		return 0
	})
	e.setFunc("set_timeout", func(l *lua.State) int {
		return e.schedule(l, false)
	})
	e.setFunc("set_interval", func(l *lua.State) int {
		return e.schedule(l, true)
	})
	e.setFunc("clear_timer", func(l *lua.State) int {
		id := eventloop.TimerID(lua.CheckInteger(l, 1+argOffset(l, 1)))
		if ref, ok := e.timers[id]; ok && e.loop != nil {
			e.loop.Cancel(id)
			e.unref(ref)
			delete(e.timers, id)
		}
		return 0
	})
}

// schedule implements set_timeout(ms, fn) and set_interval(ms, fn). An
// interval of zero or less runs once, like a timeout.
func (e *Evaluator) schedule(l *lua.State, repeat bool) int {
	if e.loop == nil {
		lua.Errorf(l, "timers are not available")
		return 0
	}
	off := argOffset(l, 2)
	ms := lua.CheckInteger(l, 1+off)
	lua.CheckType(l, 2+off, lua.TypeFunction)
	ref := e.ref(2 + off)
	d := time.Duration(ms) * time.Millisecond

	var id eventloop.TimerID
	if repeat && d > 0 {
		id = e.loop.Every(d, func() { e.call(ref) })
	} else {
		id = e.loop.After(d, func() {
			delete(e.timers, id)
			e.call(ref)
			e.unref(ref)
		})
	}
	e.timers[id] = ref
	l.PushInteger(int(id))
	return 1
}

func (e *Evaluator) pushQueue(q MessageQueue) {
	e.l.NewTable()
	e.setFunc("queue", func(l *lua.State) int {
		i := 1 + argOffset(l, 1)
		lua.CheckType(l, i, lua.TypeTable)
		v, err := e.toGo(i, 0)
		if err != nil {
			lua.Errorf(l, "queue: %s", err.Error())
			return 0
		}
		msg, err := msgpack.Marshal(v)
		if err != nil {
			lua.Errorf(l, "queue: %s", err.Error())
			return 0
		}
		q.QueueMessage(msg)
		return 0
	})
}
