// Package peer connects remote peers over websockets and fans packets out
// to them by peer class.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/packet"
)

const (
	defaultWriteWait = 5 * time.Second
	defaultQueueSize = 64
	pongWait         = 30 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

var ErrNoPeers = errors.New("no peers connected")

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithQueueSize sets the per-peer outbound buffer. A peer whose buffer is
// full when a packet arrives is disconnected.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithWriteWait bounds a single websocket write.
func WithWriteWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// Hub tracks connected peers by class. It is both the packet.Transport of
// the edit senders and the framescript.StateBroadcaster of a runtime.
type Hub struct {
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	writeWait time.Duration
	queueSize int

	mu    sync.RWMutex
	peers map[framescript.PeerClass]map[*conn]struct{}
}

var (
	_ packet.Transport             = (*Hub)(nil)
	_ framescript.StateBroadcaster = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: packet.MaxPacketSize * 2,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    slog.Default(),
		writeWait: defaultWriteWait,
		queueSize: defaultQueueSize,
		peers:     make(map[framescript.PeerClass]map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve upgrades the request and serves the peer until it disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, class framescript.PeerClass) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	c := &conn{
		ws:    ws,
		class: class,
		send:  make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	h.register(c)
	h.logger.Info("peer connected", "class", class, "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	h.logger.Info("peer disconnected", "class", class, "remote", r.RemoteAddr)
	return nil
}

// HasPeers reports whether any peer of class is connected.
func (h *Hub) HasPeers(class framescript.PeerClass) bool {
	return h.PeerCount(class) > 0
}

// PeerCount returns the number of connected peers of class.
func (h *Hub) PeerCount(class framescript.PeerClass) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[class])
}

// Write queues p for every peer of class. Never blocks on the network;
// peers that cannot keep up are dropped.
func (h *Hub) Write(class framescript.PeerClass, p []byte) error {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.peers[class]))
	for c := range h.peers[class] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoPeers
	}
	for _, c := range targets {
		select {
		case c.send <- p:
		default:
			h.logger.Warn("peer too slow, disconnecting", "class", class)
			c.close()
		}
	}
	return nil
}

// Broadcast sends a state payload to every peer of class.
func (h *Hub) Broadcast(payload []byte, class framescript.PeerClass) error {
	return h.Write(class, payload)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*conn
	for _, set := range h.peers {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[c.class]
	if !ok {
		set = make(map[*conn]struct{})
		h.peers[c.class] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if set, ok := h.peers[c.class]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.peers, c.class)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump discards inbound messages and returns when the peer goes away.
func (h *Hub) readPump(c *conn) {
	c.ws.SetReadLimit(packet.MaxPacketSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case p := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
				h.logger.Debug("write to peer", "class", c.class, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

type conn struct {
	ws    *websocket.Conn
	class framescript.PeerClass
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
