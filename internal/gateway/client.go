package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
	postQueueSize  = 64
)

// Client is one WebSocket connection: an agent dashboard or a web widget.
// Rooms are per connection and only route broadcasts.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	// posts is drained by one worker so messages from this connection are
	// stored and dispatched in the order they were read.
	posts chan protocol.ConversationMessagePayload

	mu     sync.RWMutex
	rooms  map[string]struct{}
	closed bool
	once   sync.Once
}

func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBufferSize),
		posts:  make(chan protocol.ConversationMessagePayload, postQueueSize),
		rooms:  make(map[string]struct{}),
	}
}

// ID is the connection id; web customers use it as their external id.
func (c *Client) ID() string { return c.id }

func (c *Client) Join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// SendEvent queues a frame. A client that cannot keep up loses frames rather
// than stalling the broadcaster; it can re-fetch state over REST.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("gateway.encode_failed", "event", ev.Event, "error", err)
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("gateway.client_slow", "id", c.id, "event", ev.Event)
	}
}

func (c *Client) sendError(event, msg string) {
	c.SendEvent(*protocol.NewEvent(protocol.EventError, protocol.ErrorPayload{Event: event, Message: msg}))
}

// Run pumps frames until the connection drops or ctx ends.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	go c.postWorker()
	c.readPump(ctx)
	// readPump is the only producer; queued posts still finish after a disconnect.
	close(c.posts)
}

func (c *Client) postWorker() {
	for p := range c.posts {
		c.postMessage(p)
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_failed", "id", c.id, "error", err)
			}
			return
		}
		var frame protocol.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid frame")
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.conn.Close()
	})
}
