// Package mythtv implements the MythTV backend client: the control
// connection with its reconnect policy, recorder handles and live-TV chains,
// file transfers and the asynchronous event loop.
package mythtv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/metrics"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
)

// Defaults applied by Connect to zero Options fields.
const (
	DefaultPort           = 6543
	DefaultReconnectLimit = 10
	DefaultChainTimeout   = 30 * time.Second
	DefaultStorageGroup   = "LiveTV"
)

// Options configures a Connection
type Options struct {
	Host string
	Port int

	// ProtocolVersion pins the version to announce first; zero starts from
	// the newest supported version and follows the backend's answer.
	ProtocolVersion int

	// Timeout bounds each socket read or write step.
	Timeout time.Duration

	// ClientName is announced to the backend; defaults to the host name.
	ClientName string

	// ReconnectLimit caps consecutive failed reconnects of the control
	// connection. Negative disables reconnecting.
	ReconnectLimit int

	// ChainTimeout bounds the wait for a live-TV chain update.
	ChainTimeout time.Duration

	// StorageGroup is used for live-TV segments whose program carries none.
	StorageGroup string

	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Timeout <= 0 {
		o.Timeout = mythproto.DefaultTimeout
	}
	if o.ClientName == "" {
		o.ClientName, _ = os.Hostname()
		if o.ClientName == "" {
			o.ClientName = "mythpvr"
		}
	}
	if o.ReconnectLimit == 0 {
		o.ReconnectLimit = DefaultReconnectLimit
	}
	if o.ReconnectLimit < 0 {
		o.ReconnectLimit = 0
	}
	if o.ChainTimeout <= 0 {
		o.ChainTimeout = DefaultChainTimeout
	}
	if o.StorageGroup == "" {
		o.StorageGroup = DefaultStorageGroup
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Addr is the backend's host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Connection is the control connection to a backend. All methods are safe
// for concurrent use; requests are serialized so one is in flight at a time.
type Connection struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Collector

	mu       syncutil.Mutex
	conn     *mythproto.Conn
	attempts int
	closed   bool

	recMu     syncutil.Mutex
	recorders map[uint32]*Recorder

	evMu   syncutil.Mutex
	events *EventHandler
}

// Connect opens and announces the control connection.
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	opts = opts.withDefaults()
	c := &Connection{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "control"), slog.String("backend", opts.Addr())),
		metrics:   opts.Metrics,
		recorders: make(map[uint32]*Recorder),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.metrics.SetConnected("control", true)
	c.log.Info("connected", slog.Int("protocol", conn.Version()))
	return c, nil
}

func (c *Connection) dial(ctx context.Context) (*mythproto.Conn, error) {
	conn, err := mythproto.Negotiate(ctx, c.opts.Addr(), c.opts.ProtocolVersion, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	if err := mythproto.AnnouncePlayback(conn, c.opts.ClientName); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Options returns the effective options.
func (c *Connection) Options() Options { return c.opts }

// Version is the negotiated protocol version.
func (c *Connection) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.Version()
}

// IsConnected reports whether the socket is open and not hung.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Connection) connectedLocked() bool {
	return c.conn != nil && !c.conn.Hung()
}

// Close shuts down the event handler and the control socket.
func (c *Connection) Close() error {
	c.evMu.Lock()
	h := c.events
	c.events = nil
	c.evMu.Unlock()
	if h != nil {
		h.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.metrics.SetConnected("control", false)
	return err
}

// call runs one request/response exchange under the connection lock. If it
// fails and the socket is no longer usable, the connection is re-established
// once and the exchange retried once.
func (c *Connection) call(ctx context.Context, command string, fn func(conn *mythproto.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.exchange(command, fn)
	if err == nil || c.connectedLocked() || c.closed {
		return err
	}
	c.log.Warn("request failed, reconnecting", slog.String("command", command), slog.Any("error", err))
	if rerr := c.reconnectLocked(ctx); rerr != nil {
		return fmt.Errorf("%s: %w", command, rerr)
	}
	return c.exchange(command, fn)
}

func (c *Connection) exchange(command string, fn func(conn *mythproto.Conn) error) error {
	if c.conn == nil {
		return fmt.Errorf("%s: %w", command, domain.ErrConnection)
	}
	start := time.Now()
	err := fn(c.conn)
	c.metrics.ObserveRequest(command, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// request sends tokens and hands the reply to parse.
func (c *Connection) request(ctx context.Context, command string, parse func(r *mythproto.Reader) error, tokens ...string) error {
	return c.call(ctx, command, func(conn *mythproto.Conn) error {
		r, err := conn.Request(tokens...)
		if err != nil {
			return err
		}
		if parse == nil {
			return nil
		}
		return parse(r)
	})
}

// TryReconnect replaces the control socket. It gives up without dialing once
// the consecutive-failure limit is reached.
func (c *Connection) TryReconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectLocked(ctx)
}

func (c *Connection) reconnectLocked(ctx context.Context) error {
	if c.attempts >= c.opts.ReconnectLimit {
		return fmt.Errorf("after %d attempts: %w", c.attempts, domain.ErrReconnectExhausted)
	}
	c.attempts++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.metrics.SetConnected("control", false)

	conn, err := c.dial(ctx)
	c.metrics.Reconnect("control", err)
	if err != nil {
		c.log.Error("reconnect failed",
			slog.Int("attempt", c.attempts),
			slog.Int("limit", c.opts.ReconnectLimit),
			slog.Any("error", err))
		return fmt.Errorf("reconnect attempt %d: %w", c.attempts, err)
	}
	c.conn = conn
	c.attempts = 0
	c.metrics.SetConnected("control", true)
	c.log.Info("reconnected", slog.Int("protocol", conn.Version()))

	if h := c.EventHandler(); h != nil {
		if err := h.Resync(ctx); err != nil {
			c.log.Warn("event connection resync failed", slog.Any("error", err))
		}
	}
	return nil
}

// CreateEventHandler starts a new event handler owned by this connection,
// stopping the previous one.
func (c *Connection) CreateEventHandler(ctx context.Context, opts EventOptions) (*EventHandler, error) {
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	if opts.Clock == nil {
		opts.Clock = c.opts.Clock
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}
	h := newEventHandler(c, opts)
	if err := h.Start(ctx); err != nil {
		return nil, err
	}

	c.evMu.Lock()
	prev := c.events
	c.events = h
	c.evMu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return h, nil
}

// EventHandler returns the owned event handler, or nil.
func (c *Connection) EventHandler() *EventHandler {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.events
}

// dialMonitor opens an event connection.
func (c *Connection) dialMonitor(ctx context.Context) (*mythproto.Conn, error) {
	conn, err := mythproto.Negotiate(ctx, c.opts.Addr(), c.opts.ProtocolVersion, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	if err := mythproto.AnnounceMonitor(conn, c.opts.ClientName); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
