package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Conn wraps one websocket connection behind a single writer
// goroutine. All writes funnel through writeCh so concurrent fan-outs
// never interleave frames on the socket.
type Conn struct {
	id        string
	ws        *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConn wraps a websocket connection and starts its writer.
func NewConn(id string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      id,
		ws:      ws,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

// ID returns the transport-assigned connection identifier.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.teardown()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Write queues a payload for the writer goroutine. It returns
// ErrConnectionClosed once the connection is torn down and
// ErrWriteTimeout when the buffer stays full past the write timeout.
func (c *Conn) Write(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

// teardown is the writer goroutine's failure path: cancel the context
// so pending writers fail fast, then close the socket.
func (c *Conn) teardown() {
	_ = c.Close()
}
