package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docagent/api/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 512
)

// conn is one websocket client of a room.
type conn struct {
	ws     *websocket.Conn
	room   *room
	logger *zap.Logger
	out    chan []byte

	mu      sync.Mutex
	clients map[uint64]struct{}
	closed  bool
}

func newConn(ws *websocket.Conn, r *room) *conn {
	return &conn{
		ws:      ws,
		room:    r,
		logger:  r.logger.With(zap.String("remote", ws.RemoteAddr().String())),
		out:     make(chan []byte, sendBuffer),
		clients: make(map[uint64]struct{}),
	}
}

// enqueue queues an encoded frame. A client that cannot keep up is dropped.
func (c *conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		c.logger.Warn("client too slow, closing connection")
		c.closed = true
		close(c.out)
	}
}

func (c *conn) send(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("encode message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *conn) trackAwareness(id uint64, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if present {
		c.clients[id] = struct{}{}
	} else {
		delete(c.clients, id)
	}
}

func (c *conn) awarenessClients() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	return ids
}

// readPump decodes frames until the client goes away.
func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		c.room.handle(c, msg)
	}
}

// writePump drains out and keeps the link alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
