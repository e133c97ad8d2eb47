package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"anoa.com/residencenotify/internal/realtime"
	"anoa.com/residencenotify/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one upgraded websocket session. All writes go through send so
// the write pump is the only writer on the socket.
type Client struct {
	id     string
	userID uuid.UUID
	conn   *websocket.Conn
	opts   Options
	log    *zap.Logger

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ realtime.Conn = (*Client)(nil)

func newClient(conn *websocket.Conn, userID uuid.UUID, opts Options) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		opts:   opts,
		log:    logger.With(zap.String("conn_id", id), zap.String("user_id", userID.String())),
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string        { return c.id }
func (c *Client) UserID() uuid.UUID { return c.userID }

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	if c.closed.Load() {
		return realtime.ErrConnClosed
	}
	select {
	case <-c.done:
		return realtime.ErrConnClosed
	case c.send <- payload:
		return nil
	default:
		return realtime.ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket and ends the read pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *Client) sendEvent(event realtime.Event) {
	payload, err := event.Encode()
	if err != nil {
		c.log.Error("encode event failed", zap.String("event", event.Name), zap.Error(err))
		return
	}
	if err := c.Send(payload); err != nil {
		c.log.Debug("reply dropped", zap.String("event", event.Name), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		}
	}
}

// readPump blocks until the socket fails or closes, handing each text frame to handle.
func (c *Client) readPump(handle func(raw []byte)) {
	c.conn.SetReadLimit(c.opts.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(raw)
	}
}
