package mythproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// DefaultTimeout bounds every read and write step on a connection.
const DefaultTimeout = 10 * time.Second

// Conn is one framed socket to a backend. It is not safe for concurrent
// request/response use; owners serialize access themselves.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	version atomic.Int32
	hung    atomic.Bool
	closed  atomic.Bool
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w: %w", addr, domain.ErrConnection, err)
	}
	return NewConn(nc, timeout), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{
		conn:    nc,
		r:       bufio.NewReaderSize(nc, 64*1024),
		timeout: timeout,
	}
}

// Version is the negotiated protocol version, zero before the handshake.
func (c *Conn) Version() int { return int(c.version.Load()) }

// SetVersion records the negotiated protocol version.
func (c *Conn) SetVersion(v int) { c.version.Store(int32(v)) }

// Timeout is the per-step read/write deadline.
func (c *Conn) Timeout() time.Duration { return c.timeout }

// Hung reports whether a read or write on the connection stalled or failed.
// A hung connection is never used again.
func (c *Conn) Hung() bool { return c.hung.Load() || c.closed.Load() }

// MarkHung flags the connection as unusable.
func (c *Conn) MarkHung() { c.hung.Store(true) }

// RemoteAddr is the backend address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the socket. It may be called from another goroutine to
// unblock a pending read.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Send frames tokens into one message and writes it fully.
func (c *Conn) Send(tokens ...string) error {
	if c.Hung() {
		return fmt.Errorf("send: %w", domain.ErrHung)
	}
	frame, err := EncodeFrame(JoinTokens(tokens...))
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return c.fail("send", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return c.fail("send", err)
	}
	return nil
}

// ReadLength reads one length prefix, waiting at most the connection timeout.
func (c *Conn) ReadLength() (int, error) {
	return c.readLength(time.Now().Add(c.timeout))
}

func (c *Conn) readLength(deadline time.Time) (int, error) {
	if c.Hung() {
		return 0, fmt.Errorf("read length: %w", domain.ErrHung)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, c.fail("read length", err)
	}
	var field [LengthFieldSize]byte
	if _, err := io.ReadFull(c.r, field[:]); err != nil {
		return 0, c.fail("read length", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(field[:])))
	if err != nil || n < 0 {
		// The stream is out of step; nothing after this can be trusted.
		c.MarkHung()
		return 0, fmt.Errorf("length field %q: %w: %w", field[:], domain.ErrHung, domain.ErrInvalidFormat)
	}
	return n, nil
}

// ReadMessage reads one framed message.
func (c *Conn) ReadMessage() (*Reader, error) {
	n, err := c.ReadLength()
	if err != nil {
		return nil, err
	}
	return c.readPayload(n)
}

// WaitMessage blocks until a message starts arriving or the connection is
// closed, then reads it with the normal timeout. Event listeners use it
// since backends stay silent for long periods.
func (c *Conn) WaitMessage() (*Reader, error) {
	n, err := c.readLength(time.Time{})
	if err != nil {
		return nil, err
	}
	return c.readPayload(n)
}

func (c *Conn) readPayload(n int) (*Reader, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, c.fail("read payload", err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, c.fail("read payload", err)
	}
	return NewReader(payload, c.Version()), nil
}

// Request sends tokens and reads the reply.
func (c *Conn) Request(tokens ...string) (*Reader, error) {
	if err := c.Send(tokens...); err != nil {
		return nil, err
	}
	return c.ReadMessage()
}

// ReadRaw fills p with unframed bytes, as sent on file-transfer sockets.
func (c *Conn) ReadRaw(p []byte) (int, error) {
	if c.Hung() {
		return 0, fmt.Errorf("read data: %w", domain.ErrHung)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, c.fail("read data", err)
	}
	n, err := io.ReadFull(c.r, p)
	if err != nil {
		return n, c.fail("read data", err)
	}
	return n, nil
}

// Discard drops n unframed bytes still in flight on a data socket.
func (c *Conn) Discard(n int) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return c.fail("discard", err)
	}
	if _, err := c.r.Discard(n); err != nil {
		return c.fail("discard", err)
	}
	return nil
}

// fail marks the connection hung and classifies err.
func (c *Conn) fail(op string, err error) error {
	c.MarkHung()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTimeout, domain.ErrHung)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrConnection, err)
}
