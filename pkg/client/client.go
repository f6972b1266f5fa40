// Package client is a REST client for the Graph subscription endpoints.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Graph endpoint used when none is configured
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Ensure Client implements domain.RemoteAPI
var _ domain.RemoteAPI = (*Client)(nil)

// BreakerConfig configures the circuit breaker guarding remote calls
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "graph",
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Client is an HTTP client for the remote subscription API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials domain.CredentialProvider
	scopes      []string
	headers     http.Header
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithScopes requests tokens for explicit scopes instead of the defaults
func WithScopes(scopes ...string) ClientOption {
	return func(c *Client) {
		c.scopes = scopes
	}
}

// WithRateLimit paces outgoing requests. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBreaker configures the circuit breaker
func WithBreaker(config BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breaker = newBreaker(config, c.metrics)
	}
}

// New creates a new client
func New(baseURL string, credentials domain.CredentialProvider, options ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	m := metrics.GetMetrics()
	client := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		credentials: credentials,
		headers:     headers,
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		metrics:     m,
		logger:      log.With().Str("component", "graph-client").Logger(),
	}
	client.breaker = newBreaker(DefaultBreakerConfig(), m)

	for _, option := range options {
		option(client)
	}

	return client
}

func newBreaker(config BreakerConfig, m *metrics.Metrics) *gobreaker.CircuitBreaker[struct{}] {
	if config.Name == "" {
		config.Name = DefaultBreakerConfig().Name
	}
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}

	m.CircuitBreakerState.WithLabelValues(config.Name).Set(0)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			log.Warn().
				Str("component", "graph-client").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// isSuccessful counts only server and network failures against the breaker.
// Client errors other than throttling mean the backend is healthy.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}

	var remoteErr *domain.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.StatusCode < 500 && remoteErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Post implements domain.RemoteAPI
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Patch implements domain.RemoteAPI
func (c *Client) Patch(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPatch, path, body, out)
}

// Delete implements domain.RemoteAPI
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do executes a request through the limiter and the breaker
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.send(ctx, method, path, body, out)
	})
	c.metrics.RemoteRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.RemoteRequestsTotal.WithLabelValues(method, "breaker_open").Inc()
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RemoteRequestsTotal.WithLabelValues(method, "network_error").Inc()
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.metrics.RemoteRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		remoteErr := parseError(resp)
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("code", remoteErr.Code).
			Msg("Remote request failed")
		return remoteErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", domain.ErrNoSession
	}
	if len(c.scopes) > 0 {
		return c.credentials.AccessTokenForScopes(ctx, c.scopes...)
	}
	return c.credentials.AccessToken(ctx)
}

// errorBody is the Graph error envelope
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseError maps a failed response onto a RemoteError
func parseError(resp *http.Response) *domain.RemoteError {
	remoteErr := &domain.RemoteError{StatusCode: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		remoteErr.Code = body.Error.Code
		remoteErr.Message = body.Error.Message
	} else {
		remoteErr.Message = strings.TrimSpace(string(data))
		if remoteErr.Message == "" {
			remoteErr.Message = http.StatusText(resp.StatusCode)
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			remoteErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return remoteErr
}
