package packet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/realtime"
)

// Transport delivers packets to a class of peers.
type Transport interface {
	HasPeers(class framescript.PeerClass) bool
	Write(class framescript.PeerClass, packet []byte) error
}

// Stats counts sender traffic.
type Stats struct {
	Queued   int // messages not yet released
	Outbound int // packets released, not yet written
	Sent     uint64
	Dropped  uint64
}

// Config configures a Sender.
type Config struct {
	Name      string
	Type      Type
	Class     framescript.PeerClass
	Threaded  bool
	Interval  time.Duration // threaded worker period; default one frame
	MaxPacket int           // default MaxPacketSize
}

// Sender is a queue-backed framescript.PacketSender.
type Sender struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	queued   [][]byte
	outbound [][]byte
	interval time.Duration
	sent     uint64
	dropped  uint64
}

var _ framescript.PacketSender = (*Sender)(nil)

// NewSender creates a sender writing to transport.
func NewSender(cfg Config, transport Transport, logger *slog.Logger) *Sender {
	if cfg.Interval <= 0 {
		cfg.Interval = realtime.DefaultFrameInterval
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = MaxPacketSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("sender", cfg.Name, "class", cfg.Class),
		interval:  cfg.Interval,
	}
}

// Name is the script-visible global name.
func (s *Sender) Name() string { return s.cfg.Name }

// QueueMessage buffers an encoded message until the next release.
func (s *Sender) QueueMessage(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, msg)
}

func (s *Sender) ServersExist() bool {
	return s.transport.HasPeers(s.cfg.Class)
}

func (s *Sender) IsThreaded() bool { return s.cfg.Threaded }

// maxArrayHeader is the largest msgpack array header.
const maxArrayHeader = 5

// binHeader is the msgpack bin header size for an n-byte message.
func binHeader(n int) int {
	switch {
	case n < 1<<8:
		return 2
	case n < 1<<16:
		return 3
	}
	return 5
}

// ReleaseQueuedMessages packs queued messages into outbound packets.
func (s *Sender) ReleaseQueuedMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queued) == 0 {
		return
	}

	budget := s.cfg.MaxPacket - HeaderSize - maxArrayHeader
	var batch [][]byte
	size := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p, err := Pack(s.cfg.Type, batch)
		if err != nil {
			s.dropped += uint64(len(batch))
			s.logger.Debug("pack messages", "error", err)
		} else {
			s.outbound = append(s.outbound, p)
		}
		batch, size = nil, 0
	}
	for _, msg := range s.queued {
		n := binHeader(len(msg)) + len(msg)
		if size+n > budget {
			flush()
		}
		batch = append(batch, msg)
		size += n
	}
	flush()

	s.queued = nil
}

// Process writes released packets. Delivery is best-effort: a failed write
// is counted and dropped. Returns false once nothing is left to send.
func (s *Sender) Process() bool {
	s.mu.Lock()
	out := s.outbound
	s.outbound = nil
	s.mu.Unlock()

	var sent, dropped uint64
	for _, p := range out {
		if err := s.transport.Write(s.cfg.Class, p); err != nil {
			dropped++
			s.logger.Debug("write packet", "error", err)
			continue
		}
		sent++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += sent
	s.dropped += dropped
	return len(s.outbound) > 0
}

// SetProcessCallIntervalHint tells the sender how often it will be driven.
// A threaded sender uses it as its worker period.
func (s *Sender) SetProcessCallIntervalHint(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

func (s *Sender) processInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Stats returns traffic counters.
func (s *Sender) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:   len(s.queued),
		Outbound: len(s.outbound),
		Sent:     s.sent,
		Dropped:  s.dropped,
	}
}

// Run is the worker of a threaded sender. It processes released packets
// every interval until ctx is done, then flushes once more.
func (s *Sender) Run(ctx context.Context) {
	timer := time.NewTimer(s.processInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for s.Process() {
			}
			return
		case <-timer.C:
			for s.Process() {
			}
			timer.Reset(s.processInterval())
		}
	}
}
