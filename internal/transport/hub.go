// ABOUTME: WebSocket hub built on coder/websocket with per-connection outbound queues
// ABOUTME: Reads JSON frames, dispatches them to a Handler and writes queued frames

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrConnectionNotFound indicates no live connection has the given id.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrQueueFull indicates the connection's outbound queue overflowed.
// The connection is closed when this is returned.
var ErrQueueFull = errors.New("outbound queue full")

// ErrHubClosed indicates the hub is shutting down.
var ErrHubClosed = errors.New("hub closed")

// Frame is one event on the wire.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is the server-to-peer form of Frame.
type outFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Peer describes the remote end of a connection.
type Peer struct {
	// ID is the connection id; Serve assigns a random one when empty.
	ID string

	// AgentAllowed is set when the peer may take the agent role.
	AgentAllowed bool

	// Principal is the authenticated subject, if any.
	Principal string

	Remote string
}

// AckFunc answers a frame that requested acknowledgment. It is a no-op for
// frames without an ack number.
type AckFunc func(payload any)

// Handler receives events from connections.
// HandleEvent calls for one connection are sequential. HandleDisconnect is
// called exactly once per connection, after its last HandleEvent.
type Handler interface {
	HandleEvent(ctx context.Context, peer Peer, frame Frame, ack AckFunc)
	HandleDisconnect(peer Peer)
}

// Options configures a Hub.
type Options struct {
	OutboundBuffer int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64

	// OriginPatterns lists extra hosts allowed to open browser connections.
	OriginPatterns []string

	Logger *slog.Logger
}

const (
	defaultOutboundBuffer = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultReadLimit      = 64 * 1024
)

// conn is one live WebSocket connection.
type conn struct {
	id     string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	slowClosed bool
}

// closeSlow marks the connection as a slow consumer and stops it.
func (c *conn) closeSlow() {
	c.mu.Lock()
	c.slowClosed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *conn) isSlow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slowClosed
}

// Hub tracks live connections and routes frames to and from them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	// serving counts connections registered by add whose Serve has not
	// returned yet.
	serving sync.WaitGroup

	handler Handler
	opts    Options
	logger  *slog.Logger
}

// NewHub creates a hub that dispatches inbound frames to handler.
func NewHub(handler Handler, opts Options) *Hub {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]*conn),
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "transport"),
	}
}

// Serve upgrades the request to a WebSocket and runs the connection until
// it closes. It blocks for the lifetime of the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, peer Peer) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	if peer.ID == "" {
		peer.ID = uuid.NewString()
	}
	if peer.Remote == "" {
		peer.Remote = r.RemoteAddr
	}

	// The request context is cancelled once the handler returns, so the
	// connection gets its own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:     peer.ID,
		send:   make(chan []byte, h.opts.OutboundBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := h.add(c); err != nil {
		cancel()
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.serving.Done()

	logger := h.logger.With("conn_id", peer.ID)
	logger.Debug("connection opened", "remote", peer.Remote, "agent_allowed", peer.AgentAllowed)

	var wg sync.WaitGroup
	wg.Go(func() { h.writeLoop(c, ws, logger) })
	wg.Go(func() { h.pingLoop(c, ws, logger) })

	h.readLoop(c, ws, peer, logger)

	h.remove(c.id)
	cancel()
	wg.Wait()
	h.handler.HandleDisconnect(peer)

	if c.isSlow() {
		logger.Warn("closing slow consumer")
		ws.Close(websocket.StatusPolicyViolation, "slow consumer")
	} else {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	logger.Debug("connection closed")
}

func (h *Hub) readLoop(c *conn, ws *websocket.Conn, peer Peer, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && c.ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			logger.Debug("ignoring binary message")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		if frame.Event == "" {
			h.ackFunc(c.id, frame.Ack)(map[string]any{"success": false, "error": "missing event"})
			continue
		}

		h.handler.HandleEvent(c.ctx, peer, frame, h.ackFunc(c.id, frame.Ack))
	}
}

func (h *Hub) writeLoop(c *conn, ws *websocket.Conn, logger *slog.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, h.opts.WriteTimeout)
			err := ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug("write failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) pingLoop(c *conn, ws *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, h.opts.WriteTimeout)
			err := ws.Ping(ctx)
			cancel()
			if err != nil {
				logger.Debug("keepalive ping failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) ackFunc(connID string, ack *int64) AckFunc {
	if ack == nil {
		return func(any) {}
	}
	n := *ack
	return func(payload any) {
		if err := h.enqueue(connID, outFrame{Event: "ack", Ack: &n, Data: payload}); err != nil {
			h.logger.Debug("ack not delivered", "conn_id", connID, "error", err)
		}
	}
}

// Send queues an event for connID without blocking.
func (h *Hub) Send(connID, event string, payload any) error {
	return h.enqueue(connID, outFrame{Event: event, Data: payload})
}

func (h *Hub) enqueue(connID string, frame outFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Event, err)
	}

	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionNotFound
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closeSlow()
		return ErrQueueFull
	}
}

func (h *Hub) add(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.conns[c.id] = c
	h.serving.Add(1)
	return nil
}

func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close stops accepting connections and tears down the live ones, then
// waits until every connection has finished its in-flight event and its
// HandleDisconnect call. It returns ctx.Err() if ctx ends first.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub closed", "connections", len(conns))
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub close timed out", "connections", len(conns), "error", ctx.Err())
		return ctx.Err()
	}
}
