package framescript_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/testutil"
)

// stopAfter returns a pump that stops rt on the n-th pump.
func stopAfter(rt **framescript.Runtime, n int, trace *testutil.Trace) *testutil.Pump {
	return &testutil.Pump{
		Trace: trace,
		OnPump: func(count int) {
			if count >= n {
				(*rt).Stop()
			}
		},
	}
}

func TestWakeTimesFollowFixedGrid(t *testing.T) {
	clock := testutil.NewManualClock()
	start := clock.Now()
	interval := 10 * time.Millisecond

	var rt *framescript.Runtime
	var wakes []time.Duration
	pump := &testutil.Pump{OnPump: func(n int) {
		wakes = append(wakes, clock.Now().Sub(start))
		if n == 2 {
			clock.Advance(25 * time.Millisecond) // frame 1 overruns
		}
		if n == 6 {
			rt.Stop()
		}
	}}
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithEventPump(pump),
		framescript.WithClock(clock),
		framescript.WithFrameInterval(interval),
	)

	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{0, 10 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	if len(wakes) != len(want) {
		t.Fatalf("expected %d wakes, got %v", len(want), wakes)
	}
	for i := range want {
		if wakes[i] != want[i] {
			t.Errorf("frame %d woke at %v, want %v", i, wakes[i], want[i])
		}
	}

	sleeps := clock.Sleeps()
	wantSleeps := []time.Duration{10 * time.Millisecond, 5 * time.Millisecond, 10 * time.Millisecond}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("expected sleeps %v, got %v", wantSleeps, sleeps)
	}
	for i := range wantSleeps {
		if sleeps[i] != wantSleeps[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], wantSleeps[i])
		}
	}

	stats := rt.Stats()
	if stats.Frames != 5 {
		t.Errorf("expected 5 completed frames, got %d", stats.Frames)
	}
	if stats.Overruns != 2 {
		t.Errorf("expected 2 overrun frames, got %d", stats.Overruns)
	}
}

func TestStopBeforeRunStillDrainsOnce(t *testing.T) {
	trace := &testutil.Trace{}
	plain := &testutil.Sender{Label: "voxels", Trace: trace}
	threaded := &testutil.Sender{Label: "particles", Threaded: true, Trace: trace}
	pump := &testutil.Pump{Trace: trace}

	rt := framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(plain, threaded),
		framescript.WithEventPump(pump),
		framescript.WithClock(testutil.NewManualClock()),
	)
	rt.AddListener(testutil.Listener(trace))

	rt.Stop()
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if pump.Count() != 0 {
		t.Errorf("expected no pump, got %d", pump.Count())
	}
	// No servers, yet the final drain is unconditional.
	if plain.Releases() != 1 || plain.Processes() != 1 {
		t.Errorf("plain sender: releases=%d processes=%d", plain.Releases(), plain.Processes())
	}
	if threaded.Releases() != 1 || threaded.Processes() != 0 {
		t.Errorf("threaded sender: releases=%d processes=%d", threaded.Releases(), threaded.Processes())
	}
	if trace.Count("ending") != 1 || trace.Count("finished s.lua") != 1 {
		t.Errorf("unexpected notifications: %v", trace.Calls())
	}
}

func TestShutdownOrder(t *testing.T) {
	trace := &testutil.Trace{}
	sender := &testutil.Sender{Label: "voxels", Trace: trace}
	menu := &testutil.Menu{Trace: trace}

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(sender),
		framescript.WithEventPump(stopAfter(&rt, 2, trace)),
		framescript.WithMenu(menu),
		framescript.WithWorker(&testutil.Worker{Trace: trace}),
		framescript.WithClock(testutil.NewManualClock()),
	)
	rt.AddListener(testutil.Listener(trace))

	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"menu.add Stop s.lua [1]",
		"pump",
		"pump",
		"ending",
		"voxels.release",
		"voxels.process",
		"menu.remove Stop s.lua [1]",
		"worker.quit",
		"finished s.lua",
	}
	got := trace.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestThreadedSenderIsNeverProcessed(t *testing.T) {
	threaded := &testutil.Sender{Label: "particles", Threaded: true}
	threaded.SetServers(true)
	plain := &testutil.Sender{Label: "voxels"}
	plain.SetServers(true)

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(plain, threaded),
		framescript.WithEventPump(stopAfter(&rt, 5, nil)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 4 full frames plus the final drain.
	if threaded.Processes() != 0 {
		t.Fatalf("threaded sender processed %d times", threaded.Processes())
	}
	if threaded.Releases() != 5 {
		t.Fatalf("expected 5 releases, got %d", threaded.Releases())
	}
	if plain.Processes() != 5 {
		t.Fatalf("expected 5 processes, got %d", plain.Processes())
	}
}

func TestSenderWithoutServersIsSkipped(t *testing.T) {
	trace := &testutil.Trace{}
	idle := &testutil.Sender{Label: "voxels"}

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(idle),
		framescript.WithEventPump(stopAfter(&rt, 4, nil)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	rt.AddListener(testutil.Listener(trace))
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if idle.Releases() != 1 {
		t.Fatalf("expected only the final drain, got %d releases", idle.Releases())
	}
	for _, c := range trace.Calls() {
		if strings.HasPrefix(c, "visual") {
			t.Fatalf("visual-data frame fired without servers: %v", trace.Calls())
		}
	}
}

func TestVisualDataFrameFollowsDrain(t *testing.T) {
	trace := &testutil.Trace{}
	idle := &testutil.Sender{Label: "particles", Trace: trace}
	busy := &testutil.Sender{Label: "voxels", Trace: trace}
	busy.SetServers(true)

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(idle, busy),
		framescript.WithEventPump(stopAfter(&rt, 3, trace)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	rt.AddListener(testutil.Listener(trace))
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, frame := range []string{"visual 0", "visual 1"} {
		if trace.Count(frame) != 1 {
			t.Fatalf("expected %q once: %v", frame, trace.Calls())
		}
	}
	if trace.Count("visual 2") != 0 {
		t.Fatalf("stopped frame must not notify: %v", trace.Calls())
	}

	got := trace.Calls()[:4]
	want := []string{"pump", "voxels.release", "voxels.process", "visual 0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame 0 calls = %v, want %v", got, want)
		}
	}
}

func TestBroadcastEveryFrameWhenEnabled(t *testing.T) {
	b := &testutil.Broadcaster{Err: errors.New("unreachable")}

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithBroadcaster(b, "avatar-mixer"),
		framescript.WithEventPump(stopAfter(&rt, 4, nil)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	if err := rt.SetStateSubject("Avatar", testutil.Subject("pose")); err != nil {
		t.Fatal(err)
	}

	rt.SetBroadcastEnabled(true)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Send errors are best-effort; every completed frame still broadcasts.
	if b.Count() != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", b.Count())
	}
	if rt.Stats().Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", rt.Stats().Frames)
	}
}

func TestBroadcastDisabled(t *testing.T) {
	b := &testutil.Broadcaster{}

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithBroadcaster(b, "avatar-mixer"),
		framescript.WithEventPump(stopAfter(&rt, 3, nil)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	if err := rt.SetStateSubject("Avatar", testutil.Subject("pose")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.Count() != 0 {
		t.Fatalf("expected no broadcast, got %d", b.Count())
	}
}

func TestFaultIsLoggedAndLoopContinues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ev := &testutil.Evaluator{
		FaultAtPoll: map[int]framescript.Fault{
			3: {Line: 42, Message: "attempt to index a nil value", Seq: 1},
		},
	}

	var rt *framescript.Runtime
	pump := stopAfter(&rt, 6, nil)
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(ev),
		framescript.WithEventPump(pump),
		framescript.WithClock(testutil.NewManualClock()),
		framescript.WithLogger(logger),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if pump.Count() != 6 {
		t.Fatalf("loop did not continue past the fault: %d pumps", pump.Count())
	}
	if ev.Polls() != 5 {
		t.Fatalf("expected 5 polls, got %d", ev.Polls())
	}
	if rt.Stats().Faults != 1 {
		t.Fatalf("expected the fault logged once, got %d", rt.Stats().Faults)
	}
	out := buf.String()
	if !strings.Contains(out, "line=42") || !strings.Contains(out, "frame=2") {
		t.Fatalf("fault not logged with line and frame: %s", out)
	}
	if strings.Count(out, "uncaught exception") != 1 {
		t.Fatalf("fault logged more than once: %s", out)
	}
}

func TestRepeatedFaultsWithNewSeqAreLogged(t *testing.T) {
	ev := &testutil.Evaluator{
		FaultAtPoll: map[int]framescript.Fault{
			1: {Line: 7, Message: "boom", Seq: 1},
			2: {Line: 7, Message: "boom", Seq: 2},
		},
	}
	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(ev),
		framescript.WithEventPump(stopAfter(&rt, 4, nil)),
		framescript.WithClock(testutil.NewManualClock()),
		framescript.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.Stats().Faults != 2 {
		t.Fatalf("expected 2 faults, got %d", rt.Stats().Faults)
	}
}

func TestFaultAfterClearIsLoggedAgain(t *testing.T) {
	var buf bytes.Buffer
	boom := framescript.Fault{Line: 42, Message: "boom"}
	ev := &testutil.Evaluator{
		FaultAtPoll: map[int]framescript.Fault{1: boom, 3: boom},
		ClearAtPoll: map[int]bool{2: true},
	}
	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(ev),
		framescript.WithEventPump(stopAfter(&rt, 5, nil)),
		framescript.WithClock(testutil.NewManualClock()),
		framescript.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.Stats().Faults != 2 {
		t.Fatalf("expected 2 faults, got %d", rt.Stats().Faults)
	}
	if n := strings.Count(buf.String(), "boom"); n != 2 {
		t.Fatalf("expected the fault logged twice, got %d: %s", n, buf.String())
	}
}

func TestStopFromHostEventSkipsFrameWork(t *testing.T) {
	sender := &testutil.Sender{Label: "voxels"}
	sender.SetServers(true)
	ev := &testutil.Evaluator{}

	var rt *framescript.Runtime
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(ev),
		framescript.WithSenders(sender),
		framescript.WithEventPump(stopAfter(&rt, 1, nil)),
		framescript.WithClock(testutil.NewManualClock()),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ev.Polls() != 0 {
		t.Fatalf("fault polled after stop: %d", ev.Polls())
	}
	if sender.Releases() != 1 {
		t.Fatalf("expected only the final drain, got %d", sender.Releases())
	}
}

func TestMenuActionStopsRuntime(t *testing.T) {
	menu := &testutil.Menu{}

	var rt *framescript.Runtime
	pump := &testutil.Pump{OnPump: func(n int) {
		if n == 2 {
			stop, ok := menu.Action(rt.MenuLabel())
			if !ok {
				t.Error("stop action not registered while running")
				rt.Stop()
				return
			}
			stop()
		}
	}}
	rt = framescript.NewRegistry().NewRuntime("", "menu.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithEventPump(pump),
		framescript.WithMenu(menu),
		framescript.WithClock(testutil.NewManualClock()),
	)
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := menu.Action(rt.MenuLabel()); ok {
		t.Fatal("stop action not removed")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	trace := &testutil.Trace{}

	var rt *framescript.Runtime
	pump := &testutil.Pump{OnPump: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	rt = framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithEventPump(pump),
		framescript.WithClock(testutil.NewManualClock()),
	)
	rt.AddListener(testutil.Listener(trace))
	if err := rt.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if pump.Count() != 3 || trace.Count("finished s.lua") != 1 {
		t.Fatalf("pumps=%d calls=%v", pump.Count(), trace.Calls())
	}
}

func TestRemovedListenerIsNotNotified(t *testing.T) {
	trace := &testutil.Trace{}
	rt := framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithClock(testutil.NewManualClock()),
	)
	remove := rt.AddListener(testutil.Listener(trace))
	remove()
	remove()

	rt.Stop()
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(trace.Calls()) != 0 {
		t.Fatalf("removed listener notified: %v", trace.Calls())
	}
}

// TestStopFromAnotherGoroutine runs at 60 FPS on the wall clock and stops
// 5ms in; the loop must exit within about one frame.
func TestStopFromAnotherGoroutine(t *testing.T) {
	trace := &testutil.Trace{}
	sender := &testutil.Sender{Label: "voxels", Trace: trace}

	rt := framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithSenders(sender),
		framescript.WithEventPump(&testutil.Pump{}),
		framescript.WithFrameInterval(16667*time.Microsecond),
	)
	rt.AddListener(testutil.Listener(trace))

	var stoppedAt time.Time
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		stoppedAt = time.Now()
		rt.Stop()
	}()

	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	returned := time.Now()
	wg.Wait()

	// One frame interval plus scheduling slack.
	if latency := returned.Sub(stoppedAt); latency > 16667*time.Microsecond+15*time.Millisecond {
		t.Errorf("stop observed after %v", latency)
	}
	if rt.IsRunning() {
		t.Fatal("runtime still running")
	}
	ending, finished := trace.Index("ending"), trace.Index("finished s.lua")
	if ending < 0 || finished < 0 || ending > finished {
		t.Fatalf("expected ending before finished: %v", trace.Calls())
	}
	if sender.Releases() != 1 {
		t.Fatalf("expected one final drain, got %d", sender.Releases())
	}
}
