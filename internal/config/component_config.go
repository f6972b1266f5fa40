package config

import (
	"time"

	"github.com/nkkko/chatwatch/internal/api/chi"
	"github.com/nkkko/chatwatch/internal/auth"
	"github.com/nkkko/chatwatch/internal/backoff"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/engine"
	"github.com/nkkko/chatwatch/internal/envelope"
	"github.com/nkkko/chatwatch/internal/lifecycle"
	"github.com/nkkko/chatwatch/internal/logging"
	"github.com/nkkko/chatwatch/internal/relay"
	"github.com/nkkko/chatwatch/internal/scheduler"
	"github.com/nkkko/chatwatch/internal/storage"
	"github.com/nkkko/chatwatch/internal/storage/badger"
	"github.com/nkkko/chatwatch/internal/telemetry"
	"github.com/nkkko/chatwatch/internal/transport"
	"github.com/nkkko/chatwatch/internal/transport/hub"
	"github.com/nkkko/chatwatch/pkg/client"
	"golang.org/x/time/rate"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToStorageFactoryConfig converts to storage factory config
func (c *Config) ToStorageFactoryConfig() storage.FactoryConfig {
	storageType := storage.BadgerStorage
	if c.Storage.StorageType == string(storage.MemoryStorage) {
		storageType = storage.MemoryStorage
	}

	return storage.FactoryConfig{
		Type: storageType,
		Badger: badger.Config{
			DataDir:         c.Storage.DataDir,
			InMemory:        c.Storage.InMemory,
			SyncWrites:      c.Storage.SyncWrites,
			GCInterval:      time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
			GCDiscardRatio:  c.Storage.GCDiscardRatio,
			MetricsInterval: badger.DefaultConfig().MetricsInterval,
		},
		CacheEnabled:    c.Storage.CacheEnabled,
		CacheSize:       c.Storage.CacheSize,
		CacheExpiration: seconds(c.Storage.CacheExpirationSeconds),
	}
}

// ToClientOptions converts to remote API client options
func (c *Config) ToClientOptions() []client.ClientOption {
	options := []client.ClientOption{
		client.WithTimeout(seconds(c.Graph.TimeoutSeconds)),
		client.WithRateLimit(rate.Limit(c.Graph.RateLimit), c.Graph.RateBurst),
		client.WithBreaker(client.BreakerConfig{
			Name:             "graph",
			MaxRequests:      uint32(c.Graph.Breaker.MaxRequests),
			Interval:         seconds(c.Graph.Breaker.IntervalSeconds),
			Timeout:          seconds(c.Graph.Breaker.TimeoutSeconds),
			FailureThreshold: uint32(c.Graph.Breaker.FailureThreshold),
		}),
	}
	if len(c.Graph.Scopes) > 0 {
		options = append(options, client.WithScopes(c.Graph.Scopes...))
	}
	return options
}

// ToAuthConfig converts to credential cache config
func (c *Config) ToAuthConfig() auth.Config {
	return auth.Config{
		Skew:             seconds(c.Auth.SkewSeconds),
		OpaqueTTL:        seconds(c.Auth.OpaqueTTLSeconds),
		DefaultPartition: c.Auth.DefaultPartition,
	}
}

// ToCredentialSource returns the token source named by the auth section.
// A token file wins over an inline token.
func (c *Config) ToCredentialSource() domain.CredentialProvider {
	if c.Auth.TokenFile != "" {
		return auth.FileProvider{Path: c.Auth.TokenFile}
	}
	return auth.StaticProvider{Token: c.Auth.Token}
}

// ToHubConfig converts to hub transport config
func (c *Config) ToHubConfig() hub.Config {
	return hub.Config{
		HandshakeTimeout: seconds(c.Hub.HandshakeTimeout),
		WriteTimeout:     seconds(c.Hub.WriteTimeout),
	}
}

// ToTransportConfig converts to connection manager config
func (c *Config) ToTransportConfig() transport.Config {
	return transport.Config{
		AutoReconnect: c.Connection.AutoReconnect,
		Reconnect: backoff.Policy{
			Base:        time.Duration(c.Connection.ReconnectBaseMs) * time.Millisecond,
			Multiplier:  c.Connection.ReconnectMultiplier,
			Ceiling:     time.Duration(c.Connection.ReconnectCeilingMs) * time.Millisecond,
			MaxAttempts: c.Connection.ReconnectAttempts,
			Immediate:   true,
		},
		KeepAlive: seconds(c.Connection.KeepAliveSeconds),
		Timeout:   seconds(c.Connection.TimeoutSeconds),
	}
}

// ToEnvelopeConfig converts to envelope decoder config
func (c *Config) ToEnvelopeConfig() envelope.Config {
	return envelope.Config{
		AckAsString: c.Connection.AckAsString,
	}
}

// ToLifecycleConfig converts to lifecycle controller config
func (c *Config) ToLifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		Lifetime:             seconds(c.Subscriptions.LifetimeSeconds),
		RenewalThreshold:     seconds(c.Subscriptions.RenewalThresholdSeconds),
		WebSocketsPrefix:     c.Subscriptions.WebSocketsPrefix,
		ClientState:          c.Subscriptions.ClientState,
		SessionID:            c.Subscriptions.SessionID,
		GroupPerOwner:        c.Subscriptions.GroupPerOwner,
		MaxConcurrentCreates: c.Subscriptions.MaxConcurrentCreates,
		RequestTimeout:       seconds(c.Subscriptions.RequestTimeoutSeconds),
	}
}

// ToSchedulerConfig converts to renewal scheduler config
func (c *Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Policy: backoff.Policy{
			Base:       seconds(c.Scheduler.IntervalSeconds),
			Multiplier: c.Scheduler.Multiplier,
			Ceiling:    seconds(c.Scheduler.MaxIntervalSeconds),
		},
		InactivityWindow: seconds(c.Scheduler.InactivityWindowSeconds),
		Lifetime:         seconds(c.Subscriptions.LifetimeSeconds),
	}
}

// ToEngineConfig converts to engine config
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		Transport:     c.ToTransportConfig(),
		Envelope:      c.ToEnvelopeConfig(),
		Lifecycle:     c.ToLifecycleConfig(),
		Scheduler:     c.ToSchedulerConfig(),
		FilterForeign: c.Subscriptions.FilterForeign,
	}
}

// ToWatchedOwners returns the owners to subscribe at startup
func (c *Config) ToWatchedOwners() []domain.OwnerKey {
	owners := make([]domain.OwnerKey, 0, len(c.Subscriptions.Chats)+len(c.Subscriptions.Users))
	for _, id := range c.Subscriptions.Chats {
		owners = append(owners, domain.ChatOwner(id))
	}
	for _, id := range c.Subscriptions.Users {
		owners = append(owners, domain.UserOwner(id))
	}
	return owners
}

// ToAPIConfig converts to operator API config
func (c *Config) ToAPIConfig() chi.Config {
	return chi.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
		MaxBodySize:    int64(c.Server.MaxBodySize),
		AllowedOrigins: c.Server.AllowedOrigins,
	}
}

// ToRelayConfig converts to event relay config
func (c *Config) ToRelayConfig() relay.Config {
	return relay.Config{
		Addr:                   c.Relay.Addr,
		MaxIdleTime:            seconds(c.Relay.MaxIdleTime),
		HeartbeatInterval:      seconds(c.Relay.HeartbeatInterval),
		MaxConnections:         c.Relay.MaxConnections,
		ClientBufferSize:       c.Relay.ClientBufferSize,
		BroadcastBufferSize:    c.Relay.BroadcastBufferSize,
		BroadcastFlushInterval: time.Duration(c.Relay.BroadcastFlushIntervalMs) * time.Millisecond,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
