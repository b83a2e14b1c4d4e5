package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnConfig bounds a single connection's resource use.
type ConnConfig struct {
	SendBufferSize int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Client is one authenticated WebSocket connection. The read pump feeds the
// gateway dispatcher; the write pump drains the send buffer. All outbound
// traffic goes through Enqueue so a stalled peer can never block a
// broadcast.
type Client struct {
	UserID   uuid.UUID
	Username string

	conn   *websocket.Conn
	send   chan []byte
	cfg    ConnConfig
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(conn *websocket.Conn, userID uuid.UUID, username string, cfg ConnConfig, logger *zap.Logger) *Client {
	return &Client{
		UserID:   userID,
		Username: username,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBufferSize),
		cfg:      cfg,
		logger:   logger,
		rooms:    make(map[uuid.UUID]struct{}),
		closed:   make(chan struct{}),
	}
}

// Enqueue offers a frame to the send buffer without blocking. Returns false
// when the buffer is full or the connection is closed; the caller decides
// whether that makes this a slow consumer.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down once. Safe from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Closed reports whether the connection has been torn down.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) trackRoom(auctionID uuid.UUID) {
	c.mu.Lock()
	c.rooms[auctionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackRoom(auctionID uuid.UUID) {
	c.mu.Lock()
	delete(c.rooms, auctionID)
	c.mu.Unlock()
}

// Rooms returns the auctions this connection has joined.
func (c *Client) Rooms() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]uuid.UUID, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// writePump drains the send buffer and keeps the connection alive with
// pings. Runs until the buffer closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames and hands them to handle until the peer goes away.
func (c *Client) readPump(handle func(Envelope)) {
	defer c.Close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("user_id", c.UserID.String()), zap.Error(err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Enqueue(encode(TypeError, ErrorPayload{Message: "malformed message"}))
			continue
		}
		handle(env)
	}
}
