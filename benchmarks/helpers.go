// Package benchmarks provides shared helpers for benchmark tests.
package benchmarks

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/testutil"
)

// Discard is a logger that drops everything.
var Discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// FrameLimit is an EventPump stopping rt after n pumps.
type FrameLimit struct {
	rt *framescript.Runtime
	n  int
	i  int
}

func (p *FrameLimit) Pump() {
	p.i++
	if p.i >= p.n {
		p.rt.Stop()
	}
}

// NewPacedRuntime builds a runtime on a manual clock that stops after
// frames frames, so only per-frame work is measured.
func NewPacedRuntime(ev framescript.Evaluator, frames int, opts ...framescript.Option) *framescript.Runtime {
	limit := &FrameLimit{n: frames + 1}
	opts = append([]framescript.Option{
		framescript.WithEvaluator(ev),
		framescript.WithEventPump(limit),
		framescript.WithClock(testutil.NewManualClock()),
		framescript.WithLogger(Discard),
	}, opts...)
	rt := framescript.NewRegistry().NewRuntime("", "bench.lua", opts...)
	limit.rt = rt
	return rt
}

// GenMessages creates n msgpack-sized edit messages of size bytes each.
func GenMessages(n, size int) [][]byte {
	msgs := make([][]byte, n)
	for i := range msgs {
		msg := make([]byte, size)
		copy(msg, fmt.Sprintf("edit-%d", i))
		msgs[i] = msg
	}
	return msgs
}
