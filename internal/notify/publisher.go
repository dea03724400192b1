// Package notify forwards runtime notifications to a Go channel.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/comalice/framescript"
)

// Kind names a runtime notification.
type Kind string

const (
	KindVisualData Kind = "visual-data"
	KindEnding     Kind = "ending"
	KindFinished   Kind = "finished"
)

// Event is one notification with the identity of the runtime that sent it.
type Event struct {
	Kind     Kind
	Name     string
	Sequence uint64
	Frame    uint64 // KindVisualData only
	Time     time.Time
}

// ChannelPublisher is a framescript.Listener forwarding to a channel.
// Visual-data frames are dropped on backpressure; lifecycle notifications
// block until delivered or ctx is done.
type ChannelPublisher struct {
	ctx     context.Context
	ch      chan<- Event
	name    string
	seq     uint64
	dropped atomic.Uint64
}

var _ framescript.Listener = (*ChannelPublisher)(nil)

// NewChannelPublisher creates a publisher for one runtime.
func NewChannelPublisher(ctx context.Context, ch chan<- Event, name string, seq uint64) *ChannelPublisher {
	return &ChannelPublisher{ctx: ctx, ch: ch, name: name, seq: seq}
}

// Attach creates a publisher for rt and registers it. The returned func
// detaches it.
func Attach(ctx context.Context, rt *framescript.Runtime, ch chan<- Event) (*ChannelPublisher, func()) {
	p := NewChannelPublisher(ctx, ch, rt.DisplayName(), rt.Sequence())
	return p, rt.AddListener(p)
}

func (p *ChannelPublisher) event(kind Kind) Event {
	return Event{Kind: kind, Name: p.name, Sequence: p.seq, Time: time.Now()}
}

func (p *ChannelPublisher) VisualDataFrame(frame uint64) {
	e := p.event(KindVisualData)
	e.Frame = frame
	select {
	case p.ch <- e:
	default:
		p.dropped.Add(1)
	}
}

func (p *ChannelPublisher) ScriptEnding() { p.deliver(p.event(KindEnding)) }

func (p *ChannelPublisher) Finished(string) { p.deliver(p.event(KindFinished)) }

func (p *ChannelPublisher) deliver(e Event) {
	select {
	case p.ch <- e:
	case <-p.ctx.Done():
	}
}

// Dropped returns the number of visual-data frames lost to backpressure.
func (p *ChannelPublisher) Dropped() uint64 {
	return p.dropped.Load()
}
