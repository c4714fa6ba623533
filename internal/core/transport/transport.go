// Package transport wraps gorilla/websocket connections carrying JSON text
// frames, for both the gateway's server side and its clients.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the gateway.
const (
	// CloseInvalidPath rejects connections on any path other than "/".
	CloseInvalidPath = 4001
	CloseGoingAway   = websocket.CloseGoingAway
	CloseNormal      = websocket.CloseNormalClosure
)

// Conn is a WebSocket connection exchanging JSON frames.
type Conn interface {
	// Send writes data as one text frame.
	Send(ctx context.Context, data []byte) error
	// Recv blocks until a text or binary frame arrives and returns its payload.
	Recv(ctx context.Context) ([]byte, error)
	// CloseWithReason sends a close frame with code and reason, then closes
	// the connection.
	CloseWithReason(code int, reason string) error
	// Close closes the underlying connection without a close handshake.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	// Path is the request URI the connection was opened on.
	Path() string
}

// Options tunes keepalive and frame limits.
type Options struct {
	// PongWait is how long a read may block without any frame or pong.
	PongWait time.Duration
	// WriteWait bounds each write, including control frames.
	WriteWait time.Duration
	// ReadLimit is the maximum frame size in bytes.
	ReadLimit int64
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		PongWait:  40 * time.Second,
		WriteWait: 10 * time.Second,
		ReadLimit: 1 << 20,
	}
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws   *websocket.Conn
	opts Options
	path string
	mu   sync.Mutex // protects writes
	log  *slog.Logger
}

func newWSConn(ws *websocket.Conn, path string, opts Options, log *slog.Logger) *wsConn {
	c := &wsConn{ws: ws, opts: opts, path: path, log: log}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	if opts.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	return c
}

func (c *wsConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.WriteWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			c.log.Debug("ignoring frame", "type", msgType)
			continue
		}
		if c.opts.PongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}
		return data, nil
	}
}

func (c *wsConn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait()))
	c.mu.Unlock()

	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeWait()))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) Path() string { return c.path }

func (c *wsConn) writeWait() time.Duration {
	if c.opts.WriteWait > 0 {
		return c.opts.WriteWait
	}
	return 5 * time.Second
}

// IsClosed reports whether err means the peer closed the connection or the
// socket went away, as opposed to a protocol or I/O fault worth logging.
func IsClosed(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}

// CloseCode returns the close code carried by err, or 0.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// --- Server side ---

// Acceptor upgrades HTTP requests to WebSocket connections. Every path is
// accepted; enforcing the path contract is left to the caller.
type Acceptor struct {
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger
}

// NewAcceptor creates an acceptor. Any Origin is allowed.
func NewAcceptor(opts Options, log *slog.Logger) *Acceptor {
	return &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts: opts,
		log:  log,
	}
}

// Accept upgrades r. On failure the upgrader has already written an HTTP
// error response.
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newWSConn(ws, r.URL.RequestURI(), a.opts, a.log), nil
}

// --- Client side ---

// Dialer opens client connections to a gateway.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials a single gateway URL.
type WSDialer struct {
	opts Options
	log  *slog.Logger
}

// NewDialer creates a client dialer.
func NewDialer(opts Options, log *slog.Logger) *WSDialer {
	return &WSDialer{opts: opts, log: log}
}

// Dial connects to url, e.g. ws://hub.local:4245/.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.log.Debug("dialing gateway", "url", url)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	path := "/"
	if u, err := neturl.Parse(url); err == nil {
		path = u.RequestURI()
	}
	return newWSConn(ws, path, d.opts, d.log), nil
}

// FallbackDialer tries each URL in order and returns the first connection
// that succeeds.
type FallbackDialer struct {
	dialer Dialer
	urls   []string
	log    *slog.Logger
}

// NewFallbackDialer creates a dialer over urls.
func NewFallbackDialer(dialer Dialer, urls []string, log *slog.Logger) *FallbackDialer {
	return &FallbackDialer{dialer: dialer, urls: urls, log: log}
}

// DialAny connects to the first reachable URL.
func (d *FallbackDialer) DialAny(ctx context.Context) (Conn, error) {
	var errs []error
	for _, url := range d.urls {
		conn, err := d.dialer.Dial(ctx, url)
		if err == nil {
			return conn, nil
		}
		d.log.Warn("dial failed, trying next gateway", "url", url, "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("transport: no gateway URLs")
	}
	return nil, errors.Join(errs...)
}
