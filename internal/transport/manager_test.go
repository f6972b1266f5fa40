package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/envelope"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "websockets:https://graph.example/beta/subscriptions/notificationChannel/websockets/abc?groupId=g1"

type countingCredentials struct {
	calls atomic.Int32
}

func (c *countingCredentials) AccessToken(ctx context.Context) (string, error) {
	n := c.calls.Add(1)
	return "token-" + string(rune('0'+n)), nil
}

func (c *countingCredentials) AccessTokenForScopes(ctx context.Context, scopes ...string) (string, error) {
	return c.AccessToken(ctx)
}

// recorder collects events emitted on a bus
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

func newTestManager(t *testing.T) (*Manager, *MockBuilder, *recorder, *countingCredentials) {
	t.Helper()

	bus := notifier.NewBus()
	rec := &recorder{}
	bus.OnAny(rec.handle)

	builder := NewMockBuilder()
	creds := &countingCredentials{}
	m := NewManager(DefaultConfig(), builder, creds, envelope.NewDecoder(envelope.DefaultConfig()), bus)
	return m, builder, rec, creds
}

func TestNormalizeTarget(t *testing.T) {
	u, err := NormalizeTarget(target, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "https://graph.example/beta/subscriptions/notificationChannel/websockets/abc?groupId=g1&sessionid=session-1", u)

	u, err = NormalizeTarget("https://hub.example/x?sessionid=old", "new")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example/x?sessionid=new", u)

	_, err = NormalizeTarget("", "s")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	_, err = NormalizeTarget("websockets:not-a-url", "s")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestManager_ConnectOnce(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	require.NoError(t, m.Connect(ctx, target, "s1"))

	assert.Len(t, builder.Built(), 1)
	assert.Equal(t, 1, builder.Last().StartCount())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, []domain.EventKind{domain.EventConnected}, rec.kinds())
	assert.NotNil(t, builder.Last().Options.Reconnect)
}

func TestManager_TokenFetchedOnEveryStart(t *testing.T) {
	ctx := context.Background()
	m, builder, _, creds := newTestManager(t)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	conn := builder.Last()
	conn.Drop()

	// Same target with a dropped connection restarts it
	require.NoError(t, m.Connect(ctx, target, "s1"))
	assert.Len(t, builder.Built(), 1)
	assert.Equal(t, 2, conn.StartCount())
	assert.Equal(t, int32(2), creds.calls.Load())
	assert.Equal(t, []string{"token-1", "token-2"}, conn.Tokens())
}

func TestManager_TargetChangeReplacesConnection(t *testing.T) {
	ctx := context.Background()
	m, builder, _, _ := newTestManager(t)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	first := builder.Last()

	require.NoError(t, m.Connect(ctx, "websockets:https://graph.example/other", "s1"))
	assert.Len(t, builder.Built(), 2)
	assert.Equal(t, 1, first.StopCount())
	assert.Contains(t, m.Target(), "graph.example/other")
}

func TestManager_BuildFailureLeavesAbsent(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)

	builder.SetFailBuild(true)
	err := m.Connect(ctx, target, "s1")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, StateAbsent, m.State())

	builder.SetFailBuild(false)
	builder.SetFailStart(true)
	err = m.Connect(ctx, target, "s1")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, StateAbsent, m.State())
	assert.Empty(t, rec.kinds())

	// Caller may retry
	builder.SetFailStart(false)
	require.NoError(t, m.Connect(ctx, target, "s1"))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_ConnectivityDedup(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	conn := builder.Last()

	for i := 0; i < 5; i++ {
		conn.SimulateReconnecting(errors.New("socket closed"))
	}
	assert.Equal(t, StateReconnecting, m.State())
	for i := 0; i < 5; i++ {
		conn.SimulateReconnected("conn-x")
	}

	assert.Equal(t, []domain.EventKind{
		domain.EventConnected,
		domain.EventDisconnected,
		domain.EventConnected,
	}, rec.kinds())
}

func TestManager_ReconnectExhaustedDiscardsConnection(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	builder.Last().SimulateClose(errors.New("gave up"))

	assert.Equal(t, StateAbsent, m.State())
	assert.Equal(t, []domain.EventKind{domain.EventConnected, domain.EventDisconnected}, rec.kinds())

	require.NoError(t, m.Connect(ctx, target, "s1"))
	assert.Len(t, builder.Built(), 2)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)

	assert.NoError(t, m.Close(ctx))
	require.NoError(t, m.Connect(ctx, target, "s1"))
	assert.NoError(t, m.Close(ctx))
	assert.NoError(t, m.Close(ctx))

	assert.Equal(t, 1, builder.Last().StopCount())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, []domain.EventKind{domain.EventConnected, domain.EventDisconnected}, rec.kinds())

	// A late close callback from the stopped transport is ignored
	builder.Last().SimulateClose(nil)
	assert.Len(t, rec.kinds(), 2)
}

func TestManager_ReceiveNotification(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)
	require.NoError(t, m.Connect(ctx, target, "s1"))

	payload := `{"subscriptionId":"sub-1","changeType":"deleted","resource":"chats('1')/messages(abc)","resourceData":{"id":"abc"}}`

	// Delivered as a JSON string argument
	ack, err := builder.Last().Invoke(MethodReceiveNotification, payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.Ack{StatusCode: "200"}, ack)

	// Delivered as an object argument
	ack, err = builder.Last().Invoke(MethodReceiveNotification, []byte(payload))
	require.NoError(t, err)
	assert.NotNil(t, ack)

	kinds := rec.kinds()
	assert.Equal(t, []domain.EventKind{domain.EventConnected, domain.EventMessageDeleted, domain.EventMessageDeleted}, kinds)
}

func TestManager_MalformedNotificationKeepsConnection(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)
	require.NoError(t, m.Connect(ctx, target, "s1"))

	ack, err := builder.Last().Invoke(MethodReceiveNotification, `{"changeType":"created","resource":"chats('1')/messages(1)"}`)
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
	assert.Nil(t, ack)

	ack, err = builder.Last().Invoke(MethodReceiveNotification, `{"changeType":"archived","resource":"chats('1')/messages(1)","resourceData":{"id":"1"}}`)
	assert.ErrorIs(t, err, domain.ErrUnknownChangeType)
	assert.Nil(t, ack)

	_, err = builder.Last().Invoke(MethodReceiveNotification)
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, []domain.EventKind{domain.EventConnected}, rec.kinds())
}

func TestManager_FilterStillAcks(t *testing.T) {
	ctx := context.Background()
	m, builder, rec, _ := newTestManager(t)
	require.NoError(t, m.Connect(ctx, target, "s1"))

	m.SetFilter(func(id string) bool { return id == "mine" })

	ack, err := builder.Last().Invoke(MethodReceiveNotification,
		`{"subscriptionId":"theirs","changeType":"created","resource":"chats('1')/messages(1)","resourceData":{"id":"1"}}`)
	require.NoError(t, err)
	assert.NotNil(t, ack)

	_, err = builder.Last().Invoke(MethodReceiveNotification,
		`{"subscriptionId":"mine","changeType":"created","resource":"chats('1')/messages(2)","resourceData":{"id":"2"}}`)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventKind{domain.EventConnected, domain.EventMessageCreated}, rec.kinds())
}

func TestManager_Ping(t *testing.T) {
	ctx := context.Background()
	m, builder, _, _ := newTestManager(t)

	assert.ErrorIs(t, m.Ping(ctx), domain.ErrTransportUnavailable)

	require.NoError(t, m.Connect(ctx, target, "s1"))
	require.NoError(t, m.Ping(ctx))
	assert.Equal(t, []string{MethodPing}, builder.Last().Sent())

	_, err := builder.Last().Invoke(MethodEcho, "hello")
	assert.NoError(t, err)
}
