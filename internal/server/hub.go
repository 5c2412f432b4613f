package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the per-client outbound queue size.
const DefaultSendBuffer = 16

// Hub tracks connected meter page clients and fans frames out to them.
// A client whose queue is full is disconnected. It is safe for concurrent use.
type Hub struct {
	logger  *slog.Logger
	sendBuf int

	mu      sync.Mutex
	clients map[*Client]struct{}
	dropped int
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger, sendBuf int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}
	return &Hub{
		logger:  logger,
		sendBuf: sendBuf,
		clients: make(map[*Client]struct{}),
	}
}

// Client is one connected page.
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Register adds a client for conn. conn may be nil in tests.
func (h *Hub) Register(conn *websocket.Conn, remoteAddr string) *Client {
	id := uuid.NewString()
	c := &Client{
		ID:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuf),
		logger: h.logger.With("client", id, "remote_addr", remoteAddr),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	c.logger.Info("meter page connected", "clients", n)
	return c
}

// Unregister removes c and closes its queue.
func (h *Hub) Unregister(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		c.logger.Info("meter page disconnected", "reason", reason, "clients", n)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Broadcast encodes v once and queues it for every client. It never blocks.
func (h *Hub) Broadcast(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil
	}
	for c := range h.clients {
		if !c.trySend(msg) {
			slow = append(slow, c)
		}
	}
	h.dropped += len(slow)
	h.mu.Unlock()

	for _, c := range slow {
		h.Unregister(c, "slow_client")
	}
	return nil
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c, "shutdown")
	}
}

// Send queues an encoded message for this client only.
func (c *Client) Send(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode message", "error", err)
		return
	}
	if !c.trySend(msg) {
		c.logger.Warn("failed to send response: queue full")
	}
}

// trySend queues msg without blocking. It reports false only when the queue
// is full; messages for a closed client are discarded.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// WritePump writes queued messages and keepalive pings until the queue closes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logDisconnect("write", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logDisconnect("ping", err)
				return
			}
		}
	}
}

// ReadPump decodes commands and passes them to handle until the connection
// fails, then unregisters the client.
func (c *Client) ReadPump(handle func(*Client, WSCommand)) {
	defer c.hub.Unregister(c, "closed")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd WSCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("ignoring malformed command", "error", err)
				continue
			}
			c.logDisconnect("read", err)
			return
		}
		handle(c, cmd)
	}
}

func (c *Client) logDisconnect(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("websocket closed", "op", op, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Debug("websocket error", "op", op, "error", err)
}
