// Package connection wraps accepted transport connections and tracks the live ones.
package connection

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
)

var ErrClosed = errors.New("connection closed")

// Connection is the transport handle handed to the chat service. Deliver may be
// called from any goroutine; frames are written whole, one at a time.
type Connection struct {
	conn         net.Conn
	id           string
	writeTimeout time.Duration
	codec        protocol.Codec
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func New(conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		writeTimeout: writeTimeout,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Connection) NetConn() net.Conn {
	return c.conn
}

// Deliver writes env as a single newline-terminated JSON frame. A failed write
// closes the connection.
func (c *Connection) Deliver(env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	body := c.codec.Encode(env)
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, body...)
	frame = append(frame, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := Send(c.conn, frame, c.id); err != nil {
		// A partial frame leaves the stream unusable; closing ends the read loop and
		// with it the user's session.
		_ = c.Close()
		return err
	}
	return nil
}

// Close is idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Send writes all of data to conn.
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
