package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit = 4096
	pongWait  = 60 * time.Second
)

// Connection is one live display subscribed to the event feed. Subscribers only
// receive; anything they send is read and discarded to keep control frames flowing.
type Connection struct {
	id           string
	ws           *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex
	logger       *zap.Logger
	writeTimeout time.Duration
	onClose      func(id string)
}

// NewConnection builds connection wrapper.
func NewConnection(id string, ws *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, onClose func(string)) *Connection {
	return &Connection{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, 32),
		closed:       make(chan struct{}),
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// ID returns identifier.
func (c *Connection) ID() string {
	return c.id
}

// Start launches read/write pumps and blocks until the subscriber goes away.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("subscriber read closed", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			_ = c.write(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("subscriber write failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// Send enqueues a message for writing.
func (c *Connection) Send(msg []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping outgoing event, buffer full", zap.String("conn_id", c.id))
	}
}

// Ping sends ping.
func (c *Connection) Ping() error {
	return c.write(websocket.PingMessage, []byte("ping"))
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose(c.id)
		}
		_ = c.ws.Close()
	})
}
