// Package hub implements the streaming transport over a websocket speaking
// the JSON hub protocol used by the notification channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains hub transport configuration
type Config struct {
	// Timeout for the websocket and protocol handshakes
	HandshakeTimeout time.Duration

	// Timeout for a single write
	WriteTimeout time.Duration
}

// DefaultConfig returns the default hub transport configuration
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Builder builds hub connections
type Builder struct {
	config Config
	dialer *websocket.Dialer
}

// Ensure Builder implements domain.TransportBuilder
var _ domain.TransportBuilder = (*Builder)(nil)

// NewBuilder creates a hub transport builder
func NewBuilder(config Config) *Builder {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}

	return &Builder{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Build implements domain.TransportBuilder
func (b *Builder) Build(rawURL string, token domain.TokenFunc, opts domain.TransportOptions) (domain.Transport, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	return &Connection{
		url:      wsURL,
		token:    token,
		opts:     opts,
		config:   b.config,
		dialer:   b.dialer,
		handlers: make(map[string]domain.InvocationHandler),
		logger:   log.With().Str("component", "hub").Str("url", rawURL).Logger(),
	}, nil
}

// websocketURL maps http(s) schemes onto ws(s)
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Connection is a hub client connection with optional automatic reconnect
type Connection struct {
	url    string
	token  domain.TokenFunc
	opts   domain.TransportOptions
	config Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	state          domain.TransportState
	conn           *websocket.Conn
	connectionID   string
	handlers       map[string]domain.InvocationHandler
	onReconnecting func(error)
	onReconnected  func(string)
	onClose        func(error)
	stop           chan struct{}
	done           chan struct{}

	writeMu sync.Mutex
}

// Ensure Connection implements domain.Transport
var _ domain.Transport = (*Connection)(nil)

func (c *Connection) On(method string, handler domain.InvocationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

func (c *Connection) OnReconnecting(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = fn
}

func (c *Connection) OnReconnected(fn func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = fn
}

func (c *Connection) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Connection) State() domain.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Start dials the hub and begins reading. A started connection is left alone.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.TransportConnected || c.state == domain.TransportReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.TransportConnecting
	previous := c.done
	c.mu.Unlock()

	// A previous run loop must be gone before a new one starts
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			c.setState(domain.TransportDisconnected)
			return ctx.Err()
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(domain.TransportDisconnected)
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connectionID = uuid.New().String()
	c.stop = stop
	c.done = done
	c.state = domain.TransportConnected
	c.mu.Unlock()

	go c.run(conn, stop, done)
	return nil
}

// Stop closes the connection and waits for the read loop to exit
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	stop, done, conn := c.stop, c.done, c.conn
	c.stop = nil
	c.conn = nil
	c.state = domain.TransportDisconnected
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		conn.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send invokes method on the hub without waiting for a result
func (c *Connection) Send(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != domain.TransportConnected {
		return domain.ErrTransportUnavailable
	}

	if args == nil {
		args = []any{}
	}
	return c.write(conn, invocation{Type: typeInvocation, Target: method, Arguments: args})
}

func (c *Connection) setState(state domain.TransportState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Connection) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// dial opens the websocket with a fresh token and performs the handshake
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Connection) handshake(conn *websocket.Conn) error {
	if err := c.write(conn, handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("hub handshake failed: %w", err)
	}

	records := splitRecords(frame)
	if len(records) == 0 {
		return errors.New("hub handshake failed: empty response")
	}

	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("hub handshake failed: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("hub handshake rejected: %s", resp.Error)
	}

	// Records sent right after the handshake response are handled normally
	for _, r := range records[1:] {
		if err := c.handleRecord(conn, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) write(conn *websocket.Conn, v any) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run reads until the connection fails, then reconnects or reports close
func (c *Connection) run(conn *websocket.Conn, stop, done chan struct{}) {
	defer close(done)

	for {
		err := c.readLoop(conn, stop)
		if c.stopped(stop) {
			return
		}

		var ce *closeError
		reconnectable := !errors.As(err, &ce) || ce.allowReconnect

		if c.opts.Reconnect == nil || !reconnectable {
			c.finish(stop, err)
			return
		}

		c.logger.Warn().Err(err).Msg("Hub connection lost, reconnecting")
		c.mu.Lock()
		if c.stop != stop {
			c.mu.Unlock()
			return
		}
		c.state = domain.TransportReconnecting
		c.conn = nil
		onReconnecting := c.onReconnecting
		c.mu.Unlock()
		if onReconnecting != nil {
			onReconnecting(err)
		}

		next, rerr := c.reconnect(stop)
		if rerr != nil {
			if c.stopped(stop) {
				return
			}
			c.finish(stop, rerr)
			return
		}

		c.mu.Lock()
		if c.stop != stop {
			c.mu.Unlock()
			next.Close()
			return
		}
		conn = next
		c.conn = next
		c.connectionID = uuid.New().String()
		c.state = domain.TransportConnected
		id := c.connectionID
		onReconnected := c.onReconnected
		c.mu.Unlock()

		c.logger.Info().Str("connection_id", id).Msg("Hub reconnected")
		if onReconnected != nil {
			onReconnected(id)
		}
	}
}

// finish marks the connection closed and reports err
func (c *Connection) finish(stop chan struct{}, err error) {
	c.mu.Lock()
	if c.stop == stop {
		c.stop = nil
	}
	c.conn = nil
	c.state = domain.TransportDisconnected
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose(err)
	}
}

// reconnect dials with the reconnect policy until it succeeds, the policy is
// exhausted or Stop is called
func (c *Connection) reconnect(stop chan struct{}) (*websocket.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		next, err := c.dial(ctx)
		if err != nil {
			return err
		}
		conn = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Hub reconnect attempt failed")
	}

	b := cbackoff.WithContext(c.opts.Reconnect.RetryBackOff(), ctx)
	if err := cbackoff.RetryNotify(operation, b, notify); err != nil {
		return nil, fmt.Errorf("%w: reconnect failed after %d attempts: %v", domain.ErrTransportUnavailable, attempt, err)
	}
	return conn, nil
}

// readLoop reads records until an error occurs. A keep-alive goroutine pings
// the server while it runs.
func (c *Connection) readLoop(conn *websocket.Conn, stop chan struct{}) error {
	loopDone := make(chan struct{})
	defer close(loopDone)

	if c.opts.KeepAlive > 0 {
		go c.keepAlive(conn, stop, loopDone)
	}

	for {
		if c.opts.Timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
				return err
			}
		} else if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return err
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}

		for _, record := range splitRecords(frame) {
			if err := c.handleRecord(conn, record); err != nil {
				conn.Close()
				return err
			}
		}
	}
}

func (c *Connection) keepAlive(conn *websocket.Conn, stop, loopDone chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-loopDone:
			return
		case <-ticker.C:
			if err := c.write(conn, ping{Type: typePing}); err != nil {
				c.logger.Debug().Err(err).Msg("Keep-alive failed")
				return
			}
		}
	}
}

// handleRecord processes one inbound record. Only a close record ends the loop.
func (c *Connection) handleRecord(conn *websocket.Conn, record []byte) error {
	var msg message
	if err := json.Unmarshal(record, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring unreadable hub record")
		return nil
	}

	switch msg.Type {
	case typeInvocation:
		c.invoke(conn, msg)
	case typePing, typeCompletion:
	case typeClose:
		return &closeError{message: msg.Error, allowReconnect: msg.AllowReconnect}
	default:
		c.logger.Debug().Int("type", msg.Type).Msg("Ignoring hub record")
	}
	return nil
}

func (c *Connection) invoke(conn *websocket.Conn, msg message) {
	c.mu.Lock()
	handler, ok := c.handlers[msg.Target]
	c.mu.Unlock()

	var (
		result any
		err    error
	)
	if ok {
		result, err = handler(msg.Arguments)
	} else {
		c.logger.Debug().Str("target", msg.Target).Msg("No handler for hub invocation")
		err = fmt.Errorf("client has no handler for %q", msg.Target)
	}

	if msg.InvocationID == "" {
		return
	}

	reply := completion{Type: typeCompletion, InvocationID: msg.InvocationID, Result: result}
	if err != nil {
		reply.Result = nil
		reply.Error = err.Error()
	}
	if werr := c.write(conn, reply); werr != nil {
		c.logger.Warn().Err(werr).Str("target", msg.Target).Msg("Failed to send completion")
	}
}
