package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Relay         RelayConfig        `yaml:"relay"`
	Storage       StorageConfig      `yaml:"storage"`
	Graph         GraphConfig        `yaml:"graph"`
	Auth          AuthConfig         `yaml:"auth"`
	Hub           HubConfig          `yaml:"hub"`
	Connection    ConnectionConfig   `yaml:"connection"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Logging       LoggingConfig      `yaml:"logging"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig contains operator API settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	MaxBodySize    int      `yaml:"max_body_size"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RelayConfig contains local event relay settings
type RelayConfig struct {
	Enabled                  bool   `yaml:"enabled"`
	Addr                     string `yaml:"addr"`
	MaxIdleTime              int    `yaml:"max_idle_time"`
	HeartbeatInterval        int    `yaml:"heartbeat_interval"`
	MaxConnections           int    `yaml:"max_connections"`
	ClientBufferSize         int    `yaml:"client_buffer_size"`
	BroadcastBufferSize      int    `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int    `yaml:"broadcast_flush_interval_ms"`
}

// StorageConfig contains subscription cache storage settings
type StorageConfig struct {
	StorageType            string  `yaml:"storage_type"`
	DataDir                string  `yaml:"data_dir"`
	InMemory               bool    `yaml:"in_memory"`
	SyncWrites             bool    `yaml:"sync_writes"`
	GCIntervalMinutes      int     `yaml:"gc_interval_minutes"`
	GCDiscardRatio         float64 `yaml:"gc_discard_ratio"`
	CacheEnabled           bool    `yaml:"cache_enabled"`
	CacheSize              int     `yaml:"cache_size"`
	CacheExpirationSeconds int     `yaml:"cache_expiration_seconds"`
}

// GraphConfig contains remote API client settings
type GraphConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Scopes         []string      `yaml:"scopes"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig contains circuit breaker settings for the remote API
type BreakerConfig struct {
	MaxRequests      int `yaml:"max_requests"`
	IntervalSeconds  int `yaml:"interval_seconds"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// AuthConfig contains credential settings
type AuthConfig struct {
	TokenFile        string `yaml:"token_file"`
	Token            string `yaml:"token"`
	SkewSeconds      int    `yaml:"skew_seconds"`
	OpaqueTTLSeconds int    `yaml:"opaque_ttl_seconds"`
	DefaultPartition string `yaml:"default_partition"`
}

// HubConfig contains notification hub transport settings
type HubConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"`
	WriteTimeout     int `yaml:"write_timeout"`
}

// ConnectionConfig contains streaming connection settings
type ConnectionConfig struct {
	AutoReconnect       bool    `yaml:"auto_reconnect"`
	KeepAliveSeconds    int     `yaml:"keep_alive_seconds"`
	TimeoutSeconds      int     `yaml:"timeout_seconds"`
	ReconnectBaseMs     int     `yaml:"reconnect_base_ms"`
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier"`
	ReconnectCeilingMs  int     `yaml:"reconnect_ceiling_ms"`
	ReconnectAttempts   int     `yaml:"reconnect_attempts"`
	AckAsString         bool    `yaml:"ack_as_string"`
}

// SubscriptionConfig contains subscription lifecycle settings
type SubscriptionConfig struct {
	LifetimeSeconds         int      `yaml:"lifetime_seconds"`
	RenewalThresholdSeconds int      `yaml:"renewal_threshold_seconds"`
	WebSocketsPrefix        string   `yaml:"websockets_prefix"`
	ClientState             string   `yaml:"client_state"`
	SessionID               string   `yaml:"session_id"`
	GroupPerOwner           bool     `yaml:"group_per_owner"`
	MaxConcurrentCreates    int      `yaml:"max_concurrent_creates"`
	RequestTimeoutSeconds   int      `yaml:"request_timeout_seconds"`
	FilterForeign           bool     `yaml:"filter_foreign"`
	Chats                   []string `yaml:"chats"`
	Users                   []string `yaml:"users"`
}

// SchedulerConfig contains renewal scheduler settings
type SchedulerConfig struct {
	IntervalSeconds         int     `yaml:"interval_seconds"`
	Multiplier              float64 `yaml:"multiplier"`
	MaxIntervalSeconds      int     `yaml:"max_interval_seconds"`
	InactivityWindowSeconds int     `yaml:"inactivity_window_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			MaxBodySize:    65536,
			ReadTimeout:    5,
			WriteTimeout:   60,
			IdleTimeout:    120,
			RequestTimeout: 45,
			AllowedOrigins: []string{"*"},
		},
		Relay: RelayConfig{
			Enabled:                  true,
			Addr:                     "127.0.0.1:8081",
			MaxIdleTime:              60,
			HeartbeatInterval:        15,
			MaxConnections:           256,
			ClientBufferSize:         100,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 50,
		},
		Storage: StorageConfig{
			StorageType:            "badger",
			DataDir:                "./data",
			SyncWrites:             true,
			GCIntervalMinutes:      10,
			GCDiscardRatio:         0.5,
			CacheEnabled:           true,
			CacheSize:              1000,
			CacheExpirationSeconds: 30,
		},
		Graph: GraphConfig{
			BaseURL:        "https://graph.microsoft.com/v1.0",
			TimeoutSeconds: 30,
			RateLimit:      10,
			RateBurst:      20,
			Breaker: BreakerConfig{
				MaxRequests:      3,
				IntervalSeconds:  60,
				TimeoutSeconds:   30,
				FailureThreshold: 5,
			},
		},
		Auth: AuthConfig{
			SkewSeconds:      120,
			OpaqueTTLSeconds: 300,
		},
		Hub: HubConfig{
			HandshakeTimeout: 10,
			WriteTimeout:     10,
		},
		Connection: ConnectionConfig{
			AutoReconnect:       true,
			KeepAliveSeconds:    15,
			TimeoutSeconds:      30,
			ReconnectBaseMs:     2000,
			ReconnectMultiplier: 5,
			ReconnectCeilingMs:  30000,
			ReconnectAttempts:   5,
		},
		Subscriptions: SubscriptionConfig{
			LifetimeSeconds:         600,
			RenewalThresholdSeconds: 75,
			WebSocketsPrefix:        "websockets:",
			ClientState:             "wsssecret",
			MaxConcurrentCreates:    4,
			RequestTimeoutSeconds:   30,
			FilterForeign:           true,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:         20,
			Multiplier:              3,
			MaxIntervalSeconds:      300,
			InactivityWindowSeconds: 600,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "chatwatch",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Flags have the highest priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks settings that have no usable fallback
func (c *Config) Validate() error {
	if c.Subscriptions.LifetimeSeconds <= 0 {
		return fmt.Errorf("subscriptions.lifetime_seconds must be positive")
	}
	if c.Subscriptions.RenewalThresholdSeconds >= c.Subscriptions.LifetimeSeconds {
		return fmt.Errorf("subscriptions.renewal_threshold_seconds must be below lifetime_seconds")
	}
	switch c.Storage.StorageType {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.StorageType)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("CHATWATCH_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if addr := os.Getenv("CHATWATCH_RELAY_ADDR"); addr != "" {
		config.Relay.Addr = addr
	}
	if enabled := os.Getenv("CHATWATCH_RELAY_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Relay.Enabled = val
		}
	}

	if dataDir := os.Getenv("CHATWATCH_STORAGE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if storageType := os.Getenv("CHATWATCH_STORAGE_TYPE"); storageType != "" {
		config.Storage.StorageType = storageType
	}

	if baseURL := os.Getenv("CHATWATCH_GRAPH_BASE_URL"); baseURL != "" {
		config.Graph.BaseURL = baseURL
	}
	if scopes := os.Getenv("CHATWATCH_GRAPH_SCOPES"); scopes != "" {
		config.Graph.Scopes = strings.Fields(strings.ReplaceAll(scopes, ",", " "))
	}

	if tokenFile := os.Getenv("CHATWATCH_AUTH_TOKEN_FILE"); tokenFile != "" {
		config.Auth.TokenFile = tokenFile
	}
	if token := os.Getenv("CHATWATCH_AUTH_TOKEN"); token != "" {
		config.Auth.Token = token
	}

	if lifetime := os.Getenv("CHATWATCH_SUBSCRIPTION_LIFETIME_SECONDS"); lifetime != "" {
		if val, err := strconv.Atoi(lifetime); err == nil {
			config.Subscriptions.LifetimeSeconds = val
		}
	}
	if sessionID := os.Getenv("CHATWATCH_SESSION_ID"); sessionID != "" {
		config.Subscriptions.SessionID = sessionID
	}

	if level := os.Getenv("CHATWATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CHATWATCH_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if endpoint := os.Getenv("CHATWATCH_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
		config.Telemetry.Enabled = true
	}
}
