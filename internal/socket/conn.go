package socket

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lattesec/modfleet/internal/protocol"
)

// Conn is one plaintext (or TLS) stream to a peer. Messages are unframed:
// a command, reply or ack is whatever a single bounded read returns.
type Conn struct {
	Config *ConnConfig

	raw    net.Conn
	mu     sync.Mutex
	closed bool
}

func NewConnWithRaw(raw net.Conn, cfg *ConnConfig) *Conn {
	return &Conn{
		Config: cfg,
		raw:    raw,
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("{conn: %s, local: %s, peer: %s, tls: %v}",
		c.Config.Name, c.raw.LocalAddr(), c.raw.RemoteAddr(), c.Config.UseTLS,
	)
}

func (c *Conn) Logf(format string, v ...any) string {
	return fmt.Sprintf("%s %s", c.String(), fmt.Sprintf(format, v...))
}

func (c *Conn) Raw() net.Conn { return c.raw }

func (c *Conn) Read(b []byte) (int, error) {
	return c.raw.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	return c.raw.Write(b)
}

// ReadMessage is one read of at most BufferSize bytes.
func (c *Conn) ReadMessage() ([]byte, error) {
	return protocol.ReadOnce(c.raw, c.Config.BufferSize)
}

// ReadJSON reads until one complete JSON value of at most BufferSize
// bytes has arrived.
func (c *Conn) ReadJSON() ([]byte, error) {
	return protocol.ReadJSON(c.raw, c.Config.BufferSize)
}

func (c *Conn) WriteJSON(v any) error {
	return protocol.WriteJSON(c.raw, v)
}

func (c *Conn) WriteAck(ack string) error {
	return protocol.WriteAck(c.raw, ack)
}

func (c *Conn) ExpectAck(want string) (string, error) {
	return protocol.ExpectAck(c.raw, c.Config.BufferSize, want)
}

// Stream exposes the conn to the file transfer helpers.
func (c *Conn) Stream() io.ReadWriter { return c.raw }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}
