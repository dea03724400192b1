package notify

import (
	"context"
	"testing"
	"time"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/testutil"
)

func TestChannelPublisher_Delivery(t *testing.T) {
	ch := make(chan Event, 10)
	p := NewChannelPublisher(context.Background(), ch, "orbit.lua", 4)

	p.VisualDataFrame(7)
	p.ScriptEnding()
	p.Finished("orbit.lua")

	want := []Kind{KindVisualData, KindEnding, KindFinished}
	for i, kind := range want {
		select {
		case got := <-ch:
			if got.Kind != kind {
				t.Errorf("event %d: kind %q, want %q", i, got.Kind, kind)
			}
			if got.Name != "orbit.lua" || got.Sequence != 4 {
				t.Errorf("event %d: identity %q/%d", i, got.Name, got.Sequence)
			}
			if kind == KindVisualData && got.Frame != 7 {
				t.Errorf("frame = %d, want 7", got.Frame)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestChannelPublisher_BackpressureDropsVisualFrames(t *testing.T) {
	ch := make(chan Event, 1)
	p := NewChannelPublisher(context.Background(), ch, "s.lua", 1)
	ch <- Event{} // fill buffer

	p.VisualDataFrame(1)
	p.VisualDataFrame(2)
	if p.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", p.Dropped())
	}
}

func TestChannelPublisher_LifecycleWaitsForContext(t *testing.T) {
	ch := make(chan Event) // unbuffered, nobody reading
	ctx, cancel := context.WithCancel(context.Background())
	p := NewChannelPublisher(ctx, ch, "s.lua", 1)

	done := make(chan struct{})
	go func() {
		p.Finished("s.lua")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("finished should block while the channel is full")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("finished did not return after cancel")
	}
}

func TestAttachToRuntime(t *testing.T) {
	ch := make(chan Event, 16)
	rt := framescript.NewRegistry().NewRuntime("", "s.lua",
		framescript.WithEvaluator(&testutil.Evaluator{}),
		framescript.WithClock(testutil.NewManualClock()),
	)
	_, detach := Attach(context.Background(), rt, ch)
	defer detach()

	rt.Stop()
	if err := rt.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(ch)

	var kinds []Kind
	for e := range ch {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != KindEnding || kinds[1] != KindFinished {
		t.Fatalf("unexpected events %v", kinds)
	}
}
