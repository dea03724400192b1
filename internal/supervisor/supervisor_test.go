package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/internal/notify"
	"github.com/comalice/framescript/internal/report"
	"github.com/comalice/framescript/testutil"
)

// newRuntime returns a runtime that stops itself after stopAt pumps, or
// never when stopAt is 0.
func newRuntime(reg *framescript.Registry, name string, stopAt int) *framescript.Runtime {
	pump := &testutil.Pump{}
	rt := reg.NewRuntime("", name,
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithEventPump(pump),
		framescript.WithClock(testutil.NewManualClock()),
	)
	pump.OnPump = func(n int) {
		if stopAt > 0 && n >= stopAt {
			rt.Stop()
		}
	}
	return rt
}

func TestRunsToCompletionAndSavesReports(t *testing.T) {
	persister, err := report.NewJSONPersister(t.TempDir())
	require.NoError(t, err)

	s := New(context.Background(), WithPersister(persister))
	reg := framescript.NewRegistry()

	var done atomic.Int32
	require.NoError(t, s.Start(newRuntime(reg, "a.lua", 3), func() { done.Add(1) }))
	require.NoError(t, s.Start(newRuntime(reg, "b.lua", 5), func() { done.Add(1) }))

	require.NoError(t, s.Wait())
	require.Empty(t, s.Active())
	require.Equal(t, int32(2), done.Load())

	reports := s.Reports()
	require.Len(t, reports, 2)
	for _, r := range reports {
		loaded, err := persister.Load(context.Background(), r.RunID)
		require.NoError(t, err)
		require.Equal(t, r.Name, loaded.Name)
		require.Equal(t, r.Frames, loaded.Frames)
	}
}

func TestStopAll(t *testing.T) {
	s := New(context.Background())
	reg := framescript.NewRegistry()

	a := newRuntime(reg, "a.lua", 0)
	b := newRuntime(reg, "", 0)
	require.NoError(t, s.Start(a, nil))
	require.NoError(t, s.Start(b, nil))
	require.Equal(t, []string{"Stop Script 2", "Stop a.lua [1]"}, s.Active())

	s.StopAll()
	require.NoError(t, s.Wait())
	require.Empty(t, s.Active())
	require.True(t, a.IsFinished())
	require.True(t, b.IsFinished())
}

func TestContextCancelStopsRuntimes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)
	rt := newRuntime(framescript.NewRegistry(), "a.lua", 0)
	require.NoError(t, s.Start(rt, nil))

	cancel()

	waited := make(chan error, 1)
	go func() { waited <- s.Wait() }()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
	require.True(t, rt.IsFinished())
}

func TestDuplicateLabelRejected(t *testing.T) {
	s := New(context.Background())
	rt := newRuntime(framescript.NewRegistry(), "a.lua", 0)
	require.NoError(t, s.Start(rt, nil))

	err := s.Start(rt, nil)
	require.True(t, errors.Is(err, ErrDuplicateLabel))

	s.StopAll()
	require.NoError(t, s.Wait())
}

func TestRunErrorIsReported(t *testing.T) {
	s := New(context.Background())
	rt := framescript.NewRegistry().NewRuntime("", "broken.lua")
	require.NoError(t, s.Start(rt, nil))

	require.ErrorIs(t, s.Wait(), framescript.ErrNoEvaluator)
	require.Empty(t, s.Active())
	require.Empty(t, s.Reports())
}

func TestEventsForwarded(t *testing.T) {
	events := make(chan notify.Event, 16)
	s := New(context.Background(), WithEvents(events))
	require.NoError(t, s.Start(newRuntime(framescript.NewRegistry(), "a.lua", 2), nil))
	require.NoError(t, s.Wait())
	close(events)

	var kinds []notify.Kind
	for e := range events {
		require.Equal(t, "a.lua", e.Name)
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []notify.Kind{notify.KindEnding, notify.KindFinished}, kinds)
}
