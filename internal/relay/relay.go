// Package relay re-publishes bus events to local consumers over websocket
// and server-sent events.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains relay configuration
type Config struct {
	// Server address
	Addr string

	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeats
	HeartbeatInterval time.Duration

	// Maximum number of concurrent clients, 0 means unlimited
	MaxConnections int

	// Per-client frame queue
	ClientBufferSize int

	// Broadcast buffer size for batching events
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:                   "127.0.0.1:8081",
		MaxIdleTime:            60 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		MaxConnections:         256,
		ClientBufferSize:       100,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
	}
}

// Source is an event feed, satisfied by notifier.Bus and engine.Engine
type Source interface {
	OnAny(handler notifier.Handler) notifier.HandlerID
	Off(kind domain.EventKind, id notifier.HandlerID)
}

var knownKinds = map[domain.EventKind]bool{
	domain.EventConnected:                     true,
	domain.EventDisconnected:                  true,
	domain.EventMessageCreated:                true,
	domain.EventMessageUpdated:                true,
	domain.EventMessageDeleted:                true,
	domain.EventMemberAdded:                   true,
	domain.EventMemberRemoved:                 true,
	domain.EventConversationPropertiesUpdated: true,
	domain.EventConversationDeleted:           true,
	domain.EventSubscriptionFailed:            true,
	domain.EventFatalError:                    true,
}

// ParseKinds parses a comma separated kinds filter. An empty filter matches everything.
func ParseKinds(s string) (map[domain.EventKind]bool, error) {
	if s == "" {
		return nil, nil
	}

	kinds := make(map[domain.EventKind]bool)
	for _, part := range strings.Split(s, ",") {
		kind := domain.EventKind(strings.TrimSpace(part))
		if !knownKinds[kind] {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds[kind] = true
	}
	return kinds, nil
}

// Client represents a connected consumer
type Client struct {
	ID         string
	LastActive time.Time

	kinds  map[domain.EventKind]bool
	conn   *websocket.Conn
	events <-chan *notifier.Frame
	isSSE  bool
	mu     sync.Mutex
}

func (c *Client) wants(kind domain.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.LastActive = now
	c.mu.Unlock()
}

// Relay fans bus events out to websocket and SSE clients
type Relay struct {
	config    Config
	app       *fiber.App
	source    Source
	handlerID notifier.HandlerID
	buffer    *notifier.BroadcastBuffer

	clients map[string]*Client
	mu      sync.RWMutex

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	shutdownOnce sync.Once
}

// New creates a relay fed by source
func New(config Config, source Source) *Relay {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}

	r := &Relay{
		config:  config,
		source:  source,
		buffer:  notifier.NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		clients: make(map[string]*Client),
		now:     time.Now,
		logger:  log.With().Str("component", "relay").Logger(),
		metrics: metrics.GetMetrics(),
	}

	r.handlerID = source.OnAny(r.buffer.PublishEvent)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		IdleTimeout:           120 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	r.registerRoutes(app)
	r.app = app

	return r
}

// App returns the fiber app serving the relay routes
func (r *Relay) App() *fiber.App {
	return r.app
}

func (r *Relay) registerRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		handler(c.Context())
		return nil
	})

	r.registerWebSocketHandler(app)
	r.registerSSEHandler(app)
}

// admit validates the kinds filter and the connection limit
func (r *Relay) admit(c *fiber.Ctx) (map[domain.EventKind]bool, error) {
	kinds, err := ParseKinds(c.Query("kinds"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if r.config.MaxConnections > 0 && r.ClientCount() >= r.config.MaxConnections {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "too many relay clients")
	}
	return kinds, nil
}

func (r *Relay) registerWebSocketHandler(app *fiber.App) {
	app.Use("/stream", func(c *fiber.Ctx) error {
		if c.Path() != "/stream" {
			return c.Next()
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		kinds, err := r.admit(c)
		if err != nil {
			return err
		}
		c.Locals("kinds", kinds)
		return c.Next()
	})

	app.Get("/stream", websocket.New(func(c *websocket.Conn) {
		kinds, _ := c.Locals("kinds").(map[domain.EventKind]bool)
		r.handleWebSocketClient(c, kinds)
	}))
}

func (r *Relay) registerSSEHandler(app *fiber.App) {
	app.Get("/stream-sse", func(c *fiber.Ctx) error {
		kinds, err := r.admit(c)
		if err != nil {
			return err
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		client := r.addClient(nil, kinds)

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer r.removeClient(client.ID)
			r.streamSSE(w, client)
		})
		return nil
	})
}

// handleWebSocketClient serves one websocket connection until it closes
func (r *Relay) handleWebSocketClient(conn *websocket.Conn, kinds map[domain.EventKind]bool) {
	client := r.addClient(conn, kinds)
	defer r.removeClient(client.ID)

	conn.SetPongHandler(func(string) error {
		client.touch(r.now())
		return nil
	})

	hello, _ := json.Marshal(fiber.Map{"type": "connected", "client_id": client.ID})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	// Writer: frames from the broadcast buffer
	go func() {
		for frame := range client.events {
			if !client.wants(frame.Kind) {
				continue
			}

			data, err := json.Marshal(frame)
			if err != nil {
				r.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				_ = conn.Close()
				return
			}
			r.metrics.NotifierEventsPublished.WithLabelValues("websocket").Inc()
		}
	}()

	// Reader: client actions until the connection drops
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}

		client.touch(r.now())
		if messageType == websocket.TextMessage {
			r.processClientMessage(client, message)
		}
	}
}

// streamSSE writes frames and heartbeats until the client goes away
func (r *Relay) streamSSE(w *bufio.Writer, client *Client) {
	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", client.ID)
	if err := w.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.events:
			if !ok {
				return
			}
			if !client.wants(frame.Kind) {
				continue
			}

			data, err := json.Marshal(frame)
			if err != nil {
				r.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal frame")
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", frame.Kind, frame.ID, data)
			if err := w.Flush(); err != nil {
				return
			}
			client.touch(r.now())
			r.metrics.NotifierEventsPublished.WithLabelValues("sse").Inc()

		case <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":%q}\n\n", r.now().UTC().Format(time.RFC3339))
			if err := w.Flush(); err != nil {
				return
			}
			client.touch(r.now())
		}
	}
}

// processClientMessage handles actions sent by websocket clients
func (r *Relay) processClientMessage(client *Client, message []byte) {
	var request struct {
		Action string   `json:"action"`
		Kinds  []string `json:"kinds,omitempty"`
	}

	if err := json.Unmarshal(message, &request); err != nil {
		r.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch request.Action {
	case "subscribe":
		kinds, err := ParseKinds(strings.Join(request.Kinds, ","))
		if err != nil {
			r.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Invalid kinds filter")
			return
		}
		client.mu.Lock()
		client.kinds = kinds
		client.mu.Unlock()

		r.logger.Debug().
			Str("client_id", client.ID).
			Strs("kinds", request.Kinds).
			Msg("Client updated kinds filter")

	case "ping":
		// Keep-alive only

	default:
		r.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

func (r *Relay) addClient(conn *websocket.Conn, kinds map[domain.EventKind]bool) *Client {
	id := uuid.NewString()
	client := &Client{
		ID:         id,
		LastActive: r.now(),
		kinds:      kinds,
		conn:       conn,
		events:     r.buffer.Subscribe(id, r.config.ClientBufferSize),
		isSSE:      conn == nil,
	}

	r.mu.Lock()
	r.clients[id] = client
	r.mu.Unlock()

	r.logger.Debug().Str("client_id", id).Bool("sse", client.isSSE).Msg("Client connected")
	return client
}

// removeClient drops a client. Removing twice is fine.
func (r *Relay) removeClient(clientID string) {
	r.mu.Lock()
	client, exists := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if !exists {
		return
	}

	r.buffer.Unsubscribe(clientID)
	if client.conn != nil {
		_ = client.conn.Close()
	}

	r.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

// ClientCount returns the number of connected clients
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Start runs the relay on its configured address until ctx is done
func (r *Relay) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.config.Addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the relay on ln until ctx is done
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	r.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting event relay")

	go r.cleanupIdleClients(ctx)
	go r.sendHeartbeats(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("relay server error: %w", err)
	}
}

// cleanupIdleClients periodically removes idle clients
func (r *Relay) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(r.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients that have been idle for too long
func (r *Relay) performClientCleanup() {
	now := r.now()
	var idle []string

	r.mu.RLock()
	for id, client := range r.clients {
		client.mu.Lock()
		lastActive := client.LastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > r.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.removeClient(id)
		r.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// sendHeartbeats pings websocket clients. SSE streams send their own.
func (r *Relay) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := r.now().Add(r.config.HeartbeatInterval)

			r.mu.RLock()
			for _, client := range r.clients {
				if client.conn != nil {
					_ = client.conn.WriteControl(websocket.PingMessage, nil, deadline)
				}
			}
			r.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown detaches from the source, closes every client and stops the server
func (r *Relay) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.logger.Info().Msg("Shutting down event relay")

		r.source.Off(domain.EventKind(""), r.handlerID)

		r.mu.Lock()
		ids := make([]string, 0, len(r.clients))
		for id := range r.clients {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.removeClient(id)
		}

		if closeErr := r.buffer.Close(); closeErr != nil {
			r.logger.Error().Err(closeErr).Msg("Error closing broadcast buffer")
		}

		err = r.app.ShutdownWithContext(ctx)
		r.logger.Info().Int("closed_clients", len(ids)).Msg("All relay connections closed")
	})
	return err
}
