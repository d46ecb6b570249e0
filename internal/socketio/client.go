package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Defaults for Options.
const (
	DefaultPath              = "/socket.io"
	DefaultReconnectDelay    = 1 * time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultConnectTimeout    = 20 * time.Second
	DefaultKeepaliveEvent    = "client:ping"
	DefaultReadLimit         = 64 << 20
)

var (
	// ErrNotConnected is returned by Emit while no session is open.
	ErrNotConnected = errors.New("socket not connected")
	// ErrServerDisconnect is reported when the server closes the namespace
	// or the engine session.
	ErrServerDisconnect = errors.New("server disconnected")
)

// DialError reports a failed websocket handshake.
type DialError struct {
	URL    string
	Status int // HTTP status of the handshake response, 0 if none
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dial %s: HTTP %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// ConnectError reports a namespace connection refused by the server.
type ConnectError struct {
	Message string
	Data    json.RawMessage
}

func (e *ConnectError) Error() string {
	return "connect refused: " + e.Message
}

// Handler receives the arguments of an event.
type Handler func(args ...any)

// Options configures a Client.
type Options struct {
	// URL is the server base, http(s) or ws(s).
	URL string
	// Path is the Socket.IO endpoint path. When a dial fails the same path
	// with the trailing slash toggled is tried as well.
	Path      string
	Namespace string
	// Header returns the handshake headers; it is called for every dial so
	// that a refreshed token is picked up.
	Header func(ctx context.Context) (http.Header, error)
	// HTTPClient carries the TLS configuration. Its Timeout must be zero.
	HTTPClient        *http.Client
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ConnectTimeout    time.Duration
	// Keepalive emits KeepaliveEvent at this interval; zero disables it.
	Keepalive      time.Duration
	KeepaliveEvent string
}

func (o Options) normalized() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Namespace == "" {
		o.Namespace = "/"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = max(DefaultReconnectDelayMax, o.ReconnectDelay)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.KeepaliveEvent == "" {
		o.KeepaliveEvent = DefaultKeepaliveEvent
	}
	return o
}

// Client is a Socket.IO client over the Engine.IO v4 websocket transport.
// Run keeps the connection open, reconnecting without limit.
type Client struct {
	mu     sync.RWMutex
	logger *slog.Logger
	opts   Options

	handlers   map[string][]Handler
	anyHandler func(event string, args []any)

	onConnect          func()
	onDisconnect       func(err error)
	onConnectError     func(err error)
	onReconnectAttempt func(attempt int)
	onReconnect        func(attempt int)

	conn *websocket.Conn
	path string
	sid  string
}

// New creates a client. Nothing is dialed until Run.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.normalized()
	return &Client{
		logger:   logger,
		opts:     opts,
		handlers: make(map[string][]Handler),
		path:     opts.Path,
	}
}

// On registers a handler for event. Handlers run on the read loop in
// registration order; a panicking handler is logged and does not close the
// connection.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnAny registers a handler that sees every event before the named handlers.
func (c *Client) OnAny(fn func(event string, args []any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anyHandler = fn
}

// OnConnect sets the callback run after every successful (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect sets the callback run when an established session drops.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// OnConnectError sets the callback run when a connection attempt fails.
func (c *Client) OnConnectError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectError = fn
}

// OnReconnectAttempt sets the callback run before each reconnect delay.
func (c *Client) OnReconnectAttempt(fn func(attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnectAttempt = fn
}

// OnReconnect sets the callback run when a reconnect succeeds.
func (c *Client) OnReconnect(fn func(attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// SID returns the Engine.IO session id of the open session.
func (c *Client) SID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// Path returns the endpoint path that last connected.
func (c *Client) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Emit sends an event on the client's namespace.
func (c *Client) Emit(ctx context.Context, event string, args ...any) error {
	frame, err := EncodeEvent(c.opts.Namespace, event, args...)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// Run connects and keeps reconnecting until ctx is done. The reconnect
// delay starts at ReconnectDelay and doubles per failed attempt up to
// ReconnectDelayMax, with up to 50% jitter.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	delay := c.opts.ReconnectDelay

	for {
		connected, err := c.session(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.RLock()
		onDisconnect := c.onDisconnect
		onConnectError := c.onConnectError
		onReconnectAttempt := c.onReconnectAttempt
		c.mu.RUnlock()

		if connected {
			attempt = 0
			delay = c.opts.ReconnectDelay
			c.logger.Warn("socket disconnected", "error", err)
			if onDisconnect != nil {
				onDisconnect(err)
			}
		} else {
			c.logger.Warn("socket connect failed", "error", err)
			if onConnectError != nil {
				onConnectError(err)
			}
		}

		attempt++
		c.logger.Info("socket reconnect attempt", "attempt", attempt, "delay", delay)
		if onReconnectAttempt != nil {
			onReconnectAttempt(attempt)
		}

		timer := time.NewTimer(jitter(delay, c.opts.ReconnectDelayMax))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, c.opts.ReconnectDelayMax)
	}
}

// jitter adds up to 50% to d, capped at limit.
func jitter(d, limit time.Duration) time.Duration {
	j := d + time.Duration(rand.Float64()*float64(d)/2)
	return min(j, limit)
}

// session dials, opens the namespace and reads until the connection drops.
// connected reports whether the namespace was opened.
func (c *Client) session(ctx context.Context, attempt int) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.CloseNow() }()

	info, err := c.handshake(ctx, conn)
	if err != nil {
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.sid = info.SID
	onConnect := c.onConnect
	onReconnect := c.onReconnect
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.sid = ""
		c.mu.Unlock()
	}()

	c.logger.Info("socket connected", "sid", info.SID, "path", c.Path())
	if attempt > 0 {
		c.logger.Info("socket reconnected", "attempt", attempt)
		if onReconnect != nil {
			onReconnect(attempt)
		}
	}
	if onConnect != nil {
		onConnect()
	}

	if c.opts.Keepalive > 0 {
		go c.keepalive(sessCtx)
	}

	return true, c.readLoop(sessCtx, conn, info)
}

// dial opens the websocket, trying the alternate path on failure.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Header != nil {
		h, err := c.opts.Header(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build handshake headers: %w", err)
		}
		header = h
	}

	first := c.Path()
	var errs []error
	for _, path := range []string{first, alternatePath(first)} {
		endpoint, err := EndpointURL(c.opts.URL, path)
		if err != nil {
			return nil, err
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
			HTTPClient: c.opts.HTTPClient,
			HTTPHeader: header,
		})
		cancel()
		if err == nil {
			conn.SetReadLimit(DefaultReadLimit)
			if path != first {
				c.logger.Info("socket path fallback", "from", first, "to", path)
				c.mu.Lock()
				c.path = path
				c.mu.Unlock()
			}
			return conn, nil
		}

		de := &DialError{URL: endpoint, Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
		}
		errs = append(errs, de)
		if ctx.Err() != nil {
			break
		}
		c.logger.Debug("socket dial failed", "url", endpoint, "error", err)
	}
	return nil, errors.Join(errs...)
}

// handshake reads the engine open packet and opens the namespace.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (OpenInfo, error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	var info OpenInfo
	opened := false
	for {
		_, data, err := conn.Read(hsCtx)
		if err != nil {
			return info, fmt.Errorf("handshake: %w", err)
		}
		t, payload, err := ParseEngine(string(data))
		if err != nil {
			return info, err
		}

		switch t {
		case EngineOpen:
			if info, err = ParseOpen(payload); err != nil {
				return info, err
			}
			opened = true
			frame, err := EncodeConnect(c.opts.Namespace, nil)
			if err != nil {
				return info, err
			}
			if err := conn.Write(hsCtx, websocket.MessageText, []byte(frame)); err != nil {
				return info, fmt.Errorf("handshake: %w", err)
			}
		case EnginePing:
			if err := conn.Write(hsCtx, websocket.MessageText, []byte(string(EnginePong)+payload)); err != nil {
				return info, fmt.Errorf("handshake: %w", err)
			}
		case EngineClose:
			return info, ErrServerDisconnect
		case EngineMessage:
			if !opened {
				return info, fmt.Errorf("%w: message before open", ErrBadPacket)
			}
			p, err := ParsePacket(payload)
			if err != nil {
				return info, err
			}
			if p.Namespace != c.opts.Namespace {
				continue
			}
			switch p.Type {
			case PacketConnect:
				return info, nil
			case PacketConnectError:
				return info, connectError(p.Data)
			}
		}
	}
}

// readLoop handles engine and socket packets until the connection drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, info OpenInfo) error {
	// The server pings every pingInterval; silence beyond pingInterval +
	// pingTimeout means the connection is gone.
	idle := time.Duration(info.PingInterval+info.PingTimeout) * time.Millisecond

	for {
		readCtx := ctx
		var cancel context.CancelFunc = func() {}
		if idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, idle)
		}
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", "len", len(data))
			continue
		}

		t, payload, err := ParseEngine(string(data))
		if err != nil {
			c.logger.Debug("ignoring frame", "error", err)
			continue
		}

		switch t {
		case EnginePing:
			if err := conn.Write(ctx, websocket.MessageText, []byte(string(EnginePong)+payload)); err != nil {
				return err
			}
		case EngineClose:
			return ErrServerDisconnect
		case EngineMessage:
			if err := c.handlePacket(payload); err != nil {
				return err
			}
		}
	}
}

// handlePacket dispatches one socket packet. Only a namespace disconnect is
// returned as an error.
func (c *Client) handlePacket(payload string) error {
	p, err := ParsePacket(payload)
	if err != nil {
		c.logger.Debug("ignoring packet", "error", err)
		return nil
	}
	if p.Namespace != c.opts.Namespace {
		return nil
	}

	switch p.Type {
	case PacketEvent:
		name, args, err := p.Event()
		if err != nil {
			c.logger.Debug("ignoring event", "error", err)
			return nil
		}
		c.dispatch(name, args)
	case PacketDisconnect:
		return ErrServerDisconnect
	case PacketConnectError:
		return connectError(p.Data)
	case PacketBinaryEvent, PacketBinaryAck:
		c.logger.Warn("binary socket packets are not supported")
	}
	return nil
}

func (c *Client) dispatch(name string, args []any) {
	c.mu.RLock()
	anyHandler := c.anyHandler
	handlers := append([]Handler(nil), c.handlers[name]...)
	c.mu.RUnlock()

	if anyHandler != nil {
		c.safeCall(name, func() { anyHandler(name, args) })
	}
	for _, h := range handlers {
		c.safeCall(name, func() { h(args...) })
	}
}

func (c *Client) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Emit(ctx, c.opts.KeepaliveEvent, map[string]any{"ts": time.Now().UnixMilli()})
			if err != nil {
				c.logger.Debug("keepalive failed", "error", err)
			}
		}
	}
}

func connectError(data json.RawMessage) error {
	ce := &ConnectError{Data: data}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		ce.Message = body.Message
	} else {
		ce.Message = strings.TrimSpace(string(data))
	}
	return ce
}

// EndpointURL builds the websocket URL for base and path.
func EndpointURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// alternatePath toggles the trailing slash of path.
func alternatePath(path string) string {
	if strings.HasSuffix(path, "/") {
		return strings.TrimSuffix(path, "/")
	}
	return path + "/"
}
