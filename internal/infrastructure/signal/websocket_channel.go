package signal

import (
	stderrors "errors"
	"net"
	"sync"
	"time"

	rerrors "routerd/pkg/errors"

	"github.com/gorilla/websocket"
)

type ChannelOptions struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// WebSocketChannel adapts a gorilla connection to ports.Channel. One text frame
// carries one protocol message.
type WebSocketChannel struct {
	conn *websocket.Conn
	opts ChannelOptions

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketChannel(conn *websocket.Conn, opts ChannelOptions) *WebSocketChannel {
	c := &WebSocketChannel{conn: conn, opts: opts, done: make(chan struct{})}
	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}
	if opts.PingInterval > 0 {
		go c.ping()
	}
	return c
}

func (c *WebSocketChannel) ping() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return classifyWS(err)
	}
	return nil
}

func (c *WebSocketChannel) Receive() ([]byte, error) {
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, classifyWS(err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.opts.PongTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		}
		return frame, nil
	}
}

func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func classifyWS(err error) error {
	if stderrors.Is(err, websocket.ErrReadLimit) {
		return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeProtocolError, "frame exceeds limit")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeTimeout, "websocket deadline exceeded")
	}
	return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeNetworkError, "websocket closed")
}
