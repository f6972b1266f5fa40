// Package transport owns the single streaming connection of a client and
// routes inbound notifications to the dispatch bus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/backoff"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/envelope"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Hub methods
const (
	MethodReceiveNotification = "receivenotificationmessageasync"
	MethodEcho                = "EchoMessage"
	MethodPing                = "ping"
)

const websocketsPrefix = "websockets:"

// State is the lifecycle state of the managed connection
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// Config contains connection manager configuration
type Config struct {
	// Enable automatic reconnect inside the transport
	AutoReconnect bool

	// Reconnect schedule used when AutoReconnect is set
	Reconnect backoff.Policy

	// Interval between keep-alive pings
	KeepAlive time.Duration

	// Silence after which the connection is considered dead
	Timeout time.Duration
}

// DefaultConfig returns the default connection manager configuration
func DefaultConfig() Config {
	return Config{
		AutoReconnect: true,
		Reconnect:     backoff.ReconnectPolicy(),
		KeepAlive:     15 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// Manager owns at most one transport at a time
type Manager struct {
	config      Config
	builder     domain.TransportBuilder
	credentials domain.CredentialProvider
	decoder     *envelope.Decoder
	bus         *notifier.Bus
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	// Serializes Connect and Close
	connectMu sync.Mutex

	mu     sync.Mutex
	conn   domain.Transport
	target string
	state  State
	filter func(subscriptionID string) bool

	latch latch
}

// NewManager creates a connection manager
func NewManager(config Config, builder domain.TransportBuilder, credentials domain.CredentialProvider, decoder *envelope.Decoder, bus *notifier.Bus) *Manager {
	defaults := DefaultConfig()
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Reconnect.Base <= 0 && config.Reconnect.MaxAttempts == 0 {
		config.Reconnect = defaults.Reconnect
	}

	return &Manager{
		config:      config,
		builder:     builder,
		credentials: credentials,
		decoder:     decoder,
		bus:         bus,
		logger:      log.With().Str("component", "transport").Logger(),
		metrics:     metrics.GetMetrics(),
	}
}

// NormalizeTarget turns a notification target into a dialable URL carrying
// the session id
func NormalizeTarget(target, sessionID string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(target), websocketsPrefix)
	if raw == "" {
		return "", fmt.Errorf("%w: empty notification target", domain.ErrTransportUnavailable)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid notification target: %v", domain.ErrTransportUnavailable, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: notification target %q is not absolute", domain.ErrTransportUnavailable, raw)
	}

	if sessionID != "" {
		q := u.Query()
		q.Del("sessionId")
		q.Set("sessionid", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SetFilter restricts dispatch to notifications whose subscription id is
// accepted by fn. Filtered notifications are still acknowledged.
func (m *Manager) SetFilter(fn func(subscriptionID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = fn
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the URL of the current connection
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Connected reports whether a live connection exists
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect attaches to notificationTarget. An existing live connection to the
// same target is kept; a dropped one is restarted; a different target
// replaces it.
func (m *Manager) Connect(ctx context.Context, notificationTarget, sessionID string) error {
	target, err := NormalizeTarget(notificationTarget, sessionID)
	if err != nil {
		m.logger.Error().Err(err).Msg("Cannot connect")
		return err
	}

	// One connect at a time
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	conn, current := m.conn, m.target
	m.mu.Unlock()

	// Same target: keep a live connection, restart a dropped one
	if conn != nil && current == target {
		switch conn.State() {
		case domain.TransportConnected:
			m.setState(conn, StateConnected)
			return nil
		case domain.TransportConnecting, domain.TransportReconnecting:
			return nil
		}

		m.logger.Info().Str("target", target).Msg("Restarting dropped connection")
		m.notifyDisconnected(nil, true)
		if err := m.start(ctx, conn); err != nil {
			m.discard(conn)
			return err
		}
		return nil
	}

	// New target: the old connection goes first
	if conn != nil {
		m.logger.Info().Str("old", current).Str("new", target).Msg("Notification target changed, replacing connection")
		m.notifyDisconnected(nil, true)
		m.stop(ctx, conn)
	}

	conn, err = m.builder.Build(target, m.token, m.transportOptions())
	if err != nil {
		m.logger.Error().Err(err).Str("target", target).Msg("Failed to build connection")
		m.discard(nil)
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}

	// Handlers are registered before start
	conn.On(MethodReceiveNotification, m.receive)
	conn.On(MethodEcho, func(args []json.RawMessage) (any, error) {
		m.logger.Debug().Int("args", len(args)).Msg("Echo message")
		return nil, nil
	})
	conn.OnReconnecting(func(err error) { m.onReconnecting(conn, err) })
	conn.OnReconnected(func(connectionID string) { m.onReconnected(conn, connectionID) })
	conn.OnClose(func(err error) { m.onClose(conn, err) })

	m.mu.Lock()
	m.conn = conn
	m.target = target
	m.mu.Unlock()

	if err := m.start(ctx, conn); err != nil {
		m.discard(conn)
		return err
	}
	return nil
}

func (m *Manager) transportOptions() domain.TransportOptions {
	opts := domain.TransportOptions{
		KeepAlive: m.config.KeepAlive,
		Timeout:   m.config.Timeout,
	}
	if m.config.AutoReconnect {
		policy := m.config.Reconnect
		opts.Reconnect = &policy
	}
	return opts
}

// token is called by the transport on every dial so expired credentials are
// refreshed on reconnect
func (m *Manager) token(ctx context.Context) (string, error) {
	if m.credentials == nil {
		return "", domain.ErrNoSession
	}
	return m.credentials.AccessToken(ctx)
}

func (m *Manager) start(ctx context.Context, conn domain.Transport) error {
	m.setState(conn, StateConnecting)

	if err := conn.Start(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to start connection")
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}

	m.setState(conn, StateConnected)
	m.notifyConnected(conn.ConnectionID())
	m.logger.Info().Str("connection_id", conn.ConnectionID()).Msg("Connection established")
	return nil
}

func (m *Manager) stop(ctx context.Context, conn domain.Transport) {
	if err := conn.Stop(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing prior connection")
	}
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.target = ""
	}
	m.mu.Unlock()
}

// discard forgets conn so the next Connect rebuilds
func (m *Manager) discard(conn domain.Transport) {
	m.mu.Lock()
	if conn == nil || m.conn == conn {
		m.conn = nil
		m.target = ""
		m.state = StateAbsent
	}
	m.mu.Unlock()
	m.metrics.ConnectionState.Set(float64(StateAbsent))
}

// setState records state if conn is still the current connection
func (m *Manager) setState(conn domain.Transport, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	m.state = state
	m.metrics.ConnectionState.Set(float64(state))
}

func (m *Manager) onReconnecting(conn domain.Transport, err error) {
	m.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
	m.setState(conn, StateReconnecting)
	m.notifyDisconnected(err, true)
}

func (m *Manager) onReconnected(conn domain.Transport, connectionID string) {
	m.logger.Info().Str("connection_id", connectionID).Msg("Reconnected")
	m.setState(conn, StateConnected)
	m.notifyConnected(connectionID)
}

// onClose runs when the transport gives up. The connection is discarded so
// the next Connect builds a new one.
func (m *Manager) onClose(conn domain.Transport, err error) {
	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if !current {
		return
	}

	if err != nil {
		m.logger.Error().Err(err).Msg("Connection closed")
	} else {
		m.logger.Info().Msg("Connection closed")
	}
	m.discard(conn)
	m.notifyDisconnected(err, false)
}

func (m *Manager) notifyConnected(connectionID string) {
	if m.latch.toConnected() {
		m.metrics.ConnectionTransitions.WithLabelValues("connected").Inc()
		m.bus.Emit(domain.Connected{ConnectionID: connectionID})
	}
}

func (m *Manager) notifyDisconnected(err error, ignoreIfUnknown bool) {
	if m.latch.toDisconnected(ignoreIfUnknown) {
		m.metrics.ConnectionTransitions.WithLabelValues("disconnected").Inc()
		m.bus.Emit(domain.Disconnected{Err: err})
	}
}

// ResetConnectivity forgets the last reported state
func (m *Manager) ResetConnectivity() {
	m.latch.reset()
}

// Ping sends a liveness probe over the current connection
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || conn.State() != domain.TransportConnected {
		return domain.ErrTransportUnavailable
	}
	return conn.Send(ctx, MethodPing)
}

// Close stops and discards the connection. Closing twice is fine.
func (m *Manager) Close(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.target = ""
	m.state = StateClosed
	m.mu.Unlock()
	m.metrics.ConnectionState.Set(float64(StateClosed))

	m.notifyDisconnected(nil, true)

	if conn == nil {
		return nil
	}
	if err := conn.Stop(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing connection")
	}
	return nil
}

// receive handles one notification invocation and returns the ack
func (m *Manager) receive(args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		m.metrics.EnvelopesTotal.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: no arguments", domain.ErrMalformedEnvelope)
	}

	raw, err := unwrapArgument(args[0])
	if err != nil {
		m.metrics.EnvelopesTotal.WithLabelValues("malformed").Inc()
		m.logger.Warn().Err(err).Msg("Dropping notification")
		return nil, err
	}

	env, err := m.decoder.Parse(raw)
	if err != nil {
		m.metrics.EnvelopesTotal.WithLabelValues("malformed").Inc()
		m.logger.Warn().Err(err).Msg("Dropping notification")
		return nil, err
	}

	m.mu.Lock()
	filter := m.filter
	m.mu.Unlock()

	if filter != nil && !filter(env.SubscriptionID) {
		m.metrics.EnvelopesTotal.WithLabelValues("filtered").Inc()
		m.logger.Debug().Str("subscription_id", env.SubscriptionID).Msg("Ignoring notification for another subscription")
		return m.decoder.Ack(), nil
	}

	event, err := m.decoder.DecodeEnvelope(env)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, domain.ErrUnknownChangeType) {
			outcome = "unknown_change_type"
		}
		m.metrics.EnvelopesTotal.WithLabelValues(outcome).Inc()
		m.logger.Warn().Err(err).Str("resource", env.Resource).Msg("Dropping notification")
		return nil, err
	}

	m.metrics.EnvelopesTotal.WithLabelValues("decoded").Inc()
	m.bus.Emit(event)
	return m.decoder.Ack(), nil
}

// unwrapArgument accepts the envelope either as a JSON object or as a JSON
// string holding the object
func unwrapArgument(arg json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(arg))
	if !strings.HasPrefix(trimmed, `"`) {
		return []byte(trimmed), nil
	}

	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return []byte(s), nil
}
