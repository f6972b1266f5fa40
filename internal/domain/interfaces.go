package domain

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/backoff"
)

// CredentialProvider supplies bearer tokens for the signed-in identity
type CredentialProvider interface {
	// AccessToken returns a token for the default scopes
	AccessToken(ctx context.Context) (string, error)

	// AccessTokenForScopes returns a token for explicit scopes
	AccessTokenForScopes(ctx context.Context, scopes ...string) (string, error)
}

// AccountNotifier reports changes of the signed-in identity
type AccountNotifier interface {
	// SubscribeAccountChanges registers fn and returns a function that removes it
	SubscribeAccountChanges(fn func(partitionID string)) (unsubscribe func())
}

// PartitionResolver resolves the cache partition of the current identity.
// An empty id means nobody is signed in.
type PartitionResolver interface {
	CachePartitionID(ctx context.Context) (string, error)
}

// RemoteAPI is the REST surface used to manage subscriptions
type RemoteAPI interface {
	Post(ctx context.Context, path string, body any, out any) error
	Patch(ctx context.Context, path string, body any, out any) error
	Delete(ctx context.Context, path string) error
}

// KVStore is a partitioned key-value store
type KVStore interface {
	// Get returns ErrNotFound for missing keys
	Get(ctx context.Context, partition, key string) ([]byte, error)
	Put(ctx context.Context, partition, key string, value []byte) error
	Delete(ctx context.Context, partition, key string) error
	// List returns every key in the partition starting with prefix
	List(ctx context.Context, partition, prefix string) (map[string][]byte, error)
}

// TransportState is the lifecycle state of a transport
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
	TransportReconnecting
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// TokenFunc is called on every connect and reconnect
type TokenFunc func(ctx context.Context) (string, error)

// InvocationHandler handles a server invocation. The returned value is sent
// back as the completion result when the server expects one.
type InvocationHandler func(args []json.RawMessage) (any, error)

// TransportOptions tunes a transport built by a TransportBuilder
type TransportOptions struct {
	// Reconnect enables automatic reconnection when non-nil
	Reconnect *backoff.Policy

	// KeepAlive is the interval between client pings
	KeepAlive time.Duration

	// Timeout is how long without server traffic before the connection is considered dead
	Timeout time.Duration
}

// Transport is a bidirectional multiplexed hub connection
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, method string, args ...any) error
	On(method string, handler InvocationHandler)
	OnReconnecting(fn func(err error))
	OnReconnected(fn func(connectionID string))
	OnClose(fn func(err error))
	State() TransportState
	ConnectionID() string
}

// TransportBuilder builds transports for a notification target
type TransportBuilder interface {
	Build(url string, token TokenFunc, opts TransportOptions) (Transport, error)
}
