package scriptlua

import (
	"errors"
	"fmt"

	"github.com/Shopify/go-lua"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/packet"
)

var ErrUnbound = errors.New("subject is not bound to a global")

// TableSubject is local state kept in a Lua table. Scripts mutate the table
// through the global it is bound to; Serialize snapshots it as an avatar
// data packet.
type TableSubject struct {
	e       *Evaluator
	initial map[string]any
	ref     int
}

var _ framescript.StateSubject = (*TableSubject)(nil)

// NewTableSubject creates a subject seeded with initial fields.
func (e *Evaluator) NewTableSubject(initial map[string]any) *TableSubject {
	return &TableSubject{e: e, initial: initial}
}

func (e *Evaluator) bindSubject(name string, s *TableSubject) error {
	if s.e != e {
		return fmt.Errorf("subject %q belongs to another evaluator", name)
	}
	if s.ref == 0 {
		if s.initial == nil {
			e.l.NewTable()
		} else {
			e.pushValue(s.initial)
		}
		s.ref = e.ref(-1)
		e.l.Pop(1)
	}
	e.pushRef(s.ref)
	e.l.SetGlobal(name)
	return nil
}

func (e *Evaluator) pushRef(ref int) {
	e.l.Field(lua.RegistryIndex, refTable)
	e.l.RawGetInt(-1, ref)
	e.l.Remove(-2)
}

// Fields returns a snapshot of the table.
func (s *TableSubject) Fields() (map[string]any, error) {
	if s.ref == 0 {
		return nil, ErrUnbound
	}
	l := s.e.l
	top := l.Top()
	defer l.SetTop(top)

	s.e.pushRef(s.ref)
	if l.TypeOf(-1) != lua.TypeTable {
		return nil, ErrUnbound
	}
	v, err := s.e.toGo(-1, 0)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case map[string]any:
		return v, nil
	case []any:
		// A table whose keys are all 1..n.
		out := make(map[string]any, len(v))
		for i, item := range v {
			out[fmt.Sprint(i+1)] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected subject value %T", v)
}

// Serialize encodes the table as a msgpack map in an avatar data packet.
func (s *TableSubject) Serialize() ([]byte, error) {
	fields, err := s.Fields()
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode subject: %w", err)
	}
	return packet.Encode(packet.TypeAvatarData, body), nil
}
