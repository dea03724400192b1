package scriptlua

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Shopify/go-lua"
)

const maxDepth = 32

var ErrTooDeep = errors.New("table nesting too deep")

// pushValue pushes a Go value. Unsupported types push nil.
func (e *Evaluator) pushValue(v any) {
	l := e.l
	switch v := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case string:
		l.PushString(v)
	case []byte:
		l.PushString(string(v))
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case uint64:
		l.PushInteger(int(v))
	case float64:
		l.PushNumber(v)
	case []any:
		l.CreateTable(len(v), 0)
		for i, item := range v {
			e.pushValue(item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		l.CreateTable(0, len(v))
		for _, k := range keys {
			e.pushValue(v[k])
			l.SetField(-2, k)
		}
	default:
		l.PushNil()
	}
}

// toGo converts the value at index into plain Go values: sequences become
// []any, other tables map[string]any.
func (e *Evaluator) toGo(index, depth int) (any, error) {
	l := e.l
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n), nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeTable:
		if depth >= maxDepth {
			return nil, ErrTooDeep
		}
		return e.tableToGo(index, depth+1)
	}
	return nil, nil
}

func (e *Evaluator) tableToGo(index, depth int) (any, error) {
	l := e.l
	index = l.AbsIndex(index)

	isArray := true
	maxIndex, count := 0, 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			v, err := e.toGo(-1, depth)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := map[string]any{}
	l.PushNil()
	for l.Next(index) {
		var key string
		switch l.TypeOf(-2) {
		case lua.TypeString:
			key, _ = l.ToString(-2)
		case lua.TypeNumber:
			// ToString would convert the key in place and break Next.
			n, _ := l.ToNumber(-2)
			key = fmt.Sprint(normalizeNumber(n))
		default:
			l.Pop(1)
			continue
		}
		v, err := e.toGo(-1, depth)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		out[key] = v
		l.Pop(1)
	}
	return out, nil
}

func normalizeNumber(n float64) any {
	if math.Mod(n, 1) == 0 && n >= math.MinInt64 && n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}
