package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nkkko/chatwatch/internal/backoff"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHubServer accepts hub connections and hands them to the test
type mockHubServer struct {
	server       *httptest.Server
	upgrader     websocket.Upgrader
	conns        chan *websocket.Conn
	auth         chan string
	reject       atomic.Bool
	handshakeErr string
}

func newMockHubServer(t *testing.T) *mockHubServer {
	t.Helper()

	m := &mockHubServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(chan *websocket.Conn, 10),
		auth:     make(chan string, 10),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.reject.Load() {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		m.auth <- r.Header.Get("Authorization")

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var hs handshakeRequest
		if err := json.Unmarshal(splitRecords(frame)[0], &hs); err != nil || hs.Protocol != "json" {
			conn.Close()
			return
		}

		resp := handshakeResponse{Error: m.handshakeErr}
		data, _ := encodeRecord(resp)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return
		}
		m.conns <- conn
	}))
	t.Cleanup(m.server.Close)

	return m
}

func (m *mockHubServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-m.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for hub connection")
		return nil
	}
}

func readRecord(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	records := splitRecords(frame)
	require.NotEmpty(t, records)
	require.NoError(t, json.Unmarshal(records[0], out))
}

func writeRecord(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := encodeRecord(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func tokenCounter() (domain.TokenFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "token", nil
	}, &calls
}

func fastReconnect(attempts int) *backoff.Policy {
	return &backoff.Policy{
		Base:        10 * time.Millisecond,
		Multiplier:  1,
		Ceiling:     10 * time.Millisecond,
		MaxAttempts: attempts,
		Immediate:   true,
	}
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://graph.example/hub?groupId=1")
	require.NoError(t, err)
	assert.Equal(t, "wss://graph.example/hub?groupId=1", u)

	u, err = websocketURL("http://localhost:8080/hub")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/hub", u)

	_, err = websocketURL("ftp://example/hub")
	assert.Error(t, err)
}

func TestConnection_InvocationIsAcknowledged(t *testing.T) {
	srv := newMockHubServer(t)
	token, calls := tokenCounter()

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, token, domain.TransportOptions{})
	require.NoError(t, err)

	var received atomic.Value
	conn.On("receivenotificationmessageasync", func(args []json.RawMessage) (any, error) {
		received.Store(string(args[0]))
		return map[string]string{"StatusCode": "200"}, nil
	})

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)

	assert.Equal(t, domain.TransportConnected, conn.State())
	assert.NotEmpty(t, conn.ConnectionID())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer token", <-srv.auth)

	server := srv.accept(t)
	writeRecord(t, server, map[string]any{
		"type":         typeInvocation,
		"invocationId": "7",
		"target":       "receivenotificationmessageasync",
		"arguments":    []string{`{"subscriptionId":"s"}`},
	})

	var reply struct {
		Type         int               `json:"type"`
		InvocationID string            `json:"invocationId"`
		Result       map[string]string `json:"result"`
		Error        string            `json:"error"`
	}
	readRecord(t, server, &reply)
	assert.Equal(t, typeCompletion, reply.Type)
	assert.Equal(t, "7", reply.InvocationID)
	assert.Equal(t, "200", reply.Result["StatusCode"])
	assert.Empty(t, reply.Error)
	assert.Equal(t, `"{\"subscriptionId\":\"s\"}"`, received.Load())
}

func TestConnection_HandlerErrorAndUnknownTarget(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{})
	require.NoError(t, err)
	conn.On("fails", func([]json.RawMessage) (any, error) { return nil, errors.New("bad envelope") })

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)
	server := srv.accept(t)

	var reply completion
	writeRecord(t, server, map[string]any{"type": typeInvocation, "invocationId": "1", "target": "fails", "arguments": []int{}})
	readRecord(t, server, &reply)
	assert.Equal(t, "bad envelope", reply.Error)

	writeRecord(t, server, map[string]any{"type": typeInvocation, "invocationId": "2", "target": "missing", "arguments": []int{}})
	readRecord(t, server, &reply)
	assert.Equal(t, "2", reply.InvocationID)
	assert.Contains(t, reply.Error, "missing")
}

func TestConnection_Send(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, conn.Send(ctx, "ping"), domain.ErrTransportUnavailable)

	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)
	server := srv.accept(t)

	require.NoError(t, conn.Send(ctx, "ping"))

	var inv invocation
	readRecord(t, server, &inv)
	assert.Equal(t, typeInvocation, inv.Type)
	assert.Equal(t, "ping", inv.Target)
}

func TestConnection_KeepAlive(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{KeepAlive: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)
	server := srv.accept(t)

	var p ping
	readRecord(t, server, &p)
	assert.Equal(t, typePing, p.Type)
}

func TestConnection_Reconnect(t *testing.T) {
	srv := newMockHubServer(t)
	token, calls := tokenCounter()

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, token, domain.TransportOptions{Reconnect: fastReconnect(3)})
	require.NoError(t, err)

	reconnecting := make(chan error, 1)
	reconnected := make(chan string, 1)
	conn.OnReconnecting(func(err error) { reconnecting <- err })
	conn.OnReconnected(func(id string) { reconnected <- id })

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)
	firstID := conn.ConnectionID()

	srv.accept(t).Close()

	select {
	case <-reconnecting:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnecting callback")
	}
	select {
	case id := <-reconnected:
		assert.NotEqual(t, firstID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnected callback")
	}

	srv.accept(t)
	assert.Equal(t, domain.TransportConnected, conn.State())
	assert.Equal(t, int32(2), calls.Load(), "token is fetched on every dial")
}

func TestConnection_CloseAfterReconnectExhausted(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{Reconnect: fastReconnect(2)})
	require.NoError(t, err)

	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))

	srv.reject.Store(true)
	srv.accept(t).Close()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("no close callback")
	}
	assert.Equal(t, domain.TransportDisconnected, conn.State())
	assert.NoError(t, conn.Stop(ctx))

	// The connection can be started again
	srv.reject.Store(false)
	require.NoError(t, conn.Start(ctx))
	assert.Equal(t, domain.TransportConnected, conn.State())
	require.NoError(t, conn.Stop(ctx))
}

func TestConnection_ServerCloseWithoutReconnect(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{Reconnect: fastReconnect(3)})
	require.NoError(t, err)

	closed := make(chan error, 1)
	conn.OnReconnecting(func(error) { t.Error("must not reconnect") })
	conn.OnClose(func(err error) { closed <- err })

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))

	writeRecord(t, srv.accept(t), map[string]any{"type": typeClose, "error": "subscription removed"})

	select {
	case err := <-closed:
		assert.Contains(t, err.Error(), "subscription removed")
	case <-time.After(5 * time.Second):
		t.Fatal("no close callback")
	}
}

func TestConnection_HandshakeRejected(t *testing.T) {
	srv := newMockHubServer(t)
	srv.handshakeErr = "unsupported protocol"

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{})
	require.NoError(t, err)

	err = conn.Start(context.Background())
	assert.ErrorContains(t, err, "unsupported protocol")
	assert.Equal(t, domain.TransportDisconnected, conn.State())
}

func TestConnection_StopIsIdempotent(t *testing.T) {
	srv := newMockHubServer(t)

	conn, err := NewBuilder(DefaultConfig()).Build(srv.server.URL, nil, domain.TransportOptions{Reconnect: fastReconnect(3)})
	require.NoError(t, err)
	conn.OnReconnecting(func(error) { t.Error("stop must not trigger reconnect") })

	ctx := context.Background()
	assert.NoError(t, conn.Stop(ctx))
	require.NoError(t, conn.Start(ctx))
	srv.accept(t)

	assert.NoError(t, conn.Stop(ctx))
	assert.NoError(t, conn.Stop(ctx))
	assert.Equal(t, domain.TransportDisconnected, conn.State())
}
