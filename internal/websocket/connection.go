package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection implements interfaces.Connection over a gorilla WebSocket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so one writer
// goroutine owns every data, ping and close frame
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	closing      chan struct{}
	closeMsg     []byte
	writeTimeout time.Duration
	pingInterval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// ConnectionOptions tunes the writer
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.BufferSize),
		closing:      make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go c.writeLoop()
	return c
}

// Send enqueues a text frame without blocking. A full buffer means the peer
// is not keeping up and is reported as ErrSendBufferFull.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes frames already queued, sends a close frame with code and
// reason, and closes the socket. It returns immediately; the writer goroutine
// does the work.
func (c *Connection) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.closing)
	})
	return nil
}

// Done is closed once the writer has exited and the socket is closed
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) writeLoop() {
	defer close(c.done)
	defer func() {
		c.cancel()
		_ = c.conn.Close()
	}()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}

		case <-c.closing:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

// flush writes whatever is already queued, stopping at the first error
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
