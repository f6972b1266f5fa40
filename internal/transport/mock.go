package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/domain"
)

// ErrMockTransportFailed is returned by mocks configured to fail
var ErrMockTransportFailed = errors.New("mock transport failure")

// MockTransport is an in-memory domain.Transport for tests
type MockTransport struct {
	mu sync.Mutex

	URL     string
	Token   domain.TokenFunc
	Options domain.TransportOptions

	handlers       map[string]domain.InvocationHandler
	onReconnecting func(error)
	onReconnected  func(string)
	onClose        func(error)

	state        domain.TransportState
	connectionID string
	startCalled  int
	stopCalled   int
	sent         []string
	tokens       []string
	failStart    bool
}

// NewMockTransport creates a disconnected mock transport
func NewMockTransport(url string, token domain.TokenFunc, opts domain.TransportOptions) *MockTransport {
	return &MockTransport{
		URL:      url,
		Token:    token,
		Options:  opts,
		handlers: make(map[string]domain.InvocationHandler),
	}
}

// SetFailStart configures the mock to fail Start
func (m *MockTransport) SetFailStart(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStart = fail
}

// Start fetches a token and marks the mock connected
func (m *MockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCalled++
	fail := m.failStart
	n := m.startCalled
	token := m.Token
	m.mu.Unlock()

	if fail {
		return ErrMockTransportFailed
	}

	var tok string
	if token != nil {
		var err error
		if tok, err = token(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, tok)
	m.state = domain.TransportConnected
	m.connectionID = fmt.Sprintf("conn-%d", n)
	return nil
}

// Stop marks the mock disconnected
func (m *MockTransport) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalled++
	m.state = domain.TransportDisconnected
	return nil
}

// Send records method
func (m *MockTransport) Send(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.TransportConnected {
		return domain.ErrTransportUnavailable
	}
	m.sent = append(m.sent, method)
	return nil
}

func (m *MockTransport) On(method string, handler domain.InvocationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

func (m *MockTransport) OnReconnecting(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

func (m *MockTransport) OnReconnected(fn func(connectionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnected = fn
}

func (m *MockTransport) OnClose(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

func (m *MockTransport) State() domain.TransportState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockTransport) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// Invoke calls the handler registered for method with JSON-encoded args
func (m *MockTransport) Invoke(method string, args ...any) (any, error) {
	m.mu.Lock()
	handler, ok := m.handlers[method]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", method)
	}

	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if b, ok := a.([]byte); ok {
			raw = append(raw, b)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return handler(raw)
}

// Drop marks the mock disconnected without any callback
func (m *MockTransport) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = domain.TransportDisconnected
}

// SimulateReconnecting reports a lost connection that is being retried
func (m *MockTransport) SimulateReconnecting(err error) {
	m.mu.Lock()
	m.state = domain.TransportReconnecting
	fn := m.onReconnecting
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SimulateReconnected reports a successful reconnect
func (m *MockTransport) SimulateReconnected(connectionID string) {
	m.mu.Lock()
	m.state = domain.TransportConnected
	m.connectionID = connectionID
	fn := m.onReconnected
	m.mu.Unlock()
	if fn != nil {
		fn(connectionID)
	}
}

// SimulateClose reports that reconnect attempts are exhausted
func (m *MockTransport) SimulateClose(err error) {
	m.mu.Lock()
	m.state = domain.TransportDisconnected
	fn := m.onClose
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// StartCount returns how many times Start was called
func (m *MockTransport) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalled
}

// StopCount returns how many times Stop was called
func (m *MockTransport) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalled
}

// Sent returns the methods sent so far
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Tokens returns the token obtained on each successful Start
func (m *MockTransport) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// MockBuilder is a domain.TransportBuilder that hands out MockTransports
type MockBuilder struct {
	mu         sync.Mutex
	transports []*MockTransport
	failBuild  bool
	failStart  bool
}

// NewMockBuilder creates a mock builder
func NewMockBuilder() *MockBuilder {
	return &MockBuilder{}
}

// SetFailBuild configures the builder to fail
func (b *MockBuilder) SetFailBuild(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failBuild = fail
}

// SetFailStart configures built transports to fail Start
func (b *MockBuilder) SetFailStart(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStart = fail
}

// Build implements domain.TransportBuilder
func (b *MockBuilder) Build(url string, token domain.TokenFunc, opts domain.TransportOptions) (domain.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failBuild {
		return nil, ErrMockTransportFailed
	}

	t := NewMockTransport(url, token, opts)
	t.failStart = b.failStart
	b.transports = append(b.transports, t)
	return t, nil
}

// Built returns every transport built so far
func (b *MockBuilder) Built() []*MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockTransport(nil), b.transports...)
}

// Last returns the most recently built transport
func (b *MockBuilder) Last() *MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}
