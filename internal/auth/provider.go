// Package auth supplies bearer tokens and the cache partition of the
// signed-in identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StaticProvider returns a fixed token
type StaticProvider struct {
	Token string
}

// AccessToken implements domain.CredentialProvider
func (p StaticProvider) AccessToken(ctx context.Context) (string, error) {
	if p.Token == "" {
		return "", domain.ErrNoSession
	}
	return p.Token, nil
}

// AccessTokenForScopes implements domain.CredentialProvider
func (p StaticProvider) AccessTokenForScopes(ctx context.Context, scopes ...string) (string, error) {
	return p.AccessToken(ctx)
}

// FileProvider reads the token from a file on every call, so an external
// process can rotate it.
type FileProvider struct {
	Path string
}

// AccessToken implements domain.CredentialProvider
func (p FileProvider) AccessToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.ErrNoSession
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", domain.ErrNoSession
	}
	return token, nil
}

// AccessTokenForScopes implements domain.CredentialProvider
func (p FileProvider) AccessTokenForScopes(ctx context.Context, scopes ...string) (string, error) {
	return p.AccessToken(ctx)
}

// Config configures a CachingProvider
type Config struct {
	// Skew refreshes tokens this long before they expire
	Skew time.Duration

	// OpaqueTTL is how long tokens without a readable exp claim are cached
	OpaqueTTL time.Duration

	// DefaultPartition is used when the token carries no identity claim
	DefaultPartition string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Skew:      2 * time.Minute,
		OpaqueTTL: 5 * time.Minute,
	}
}

type cachedToken struct {
	value    string
	expires  time.Time
	identity string
}

// CachingProvider caches tokens from a source until shortly before they
// expire and tracks which identity they belong to.
type CachingProvider struct {
	source domain.CredentialProvider
	config Config
	logger zerolog.Logger

	mu        sync.Mutex
	tokens    map[string]cachedToken
	identity  string
	known     bool
	listeners map[int]func(partitionID string)
	nextID    int

	now func() time.Time
}

// Compile-time interface checks
var (
	_ domain.CredentialProvider = (*CachingProvider)(nil)
	_ domain.AccountNotifier    = (*CachingProvider)(nil)
	_ domain.PartitionResolver  = (*CachingProvider)(nil)
)

// NewCachingProvider wraps source
func NewCachingProvider(source domain.CredentialProvider, config Config) *CachingProvider {
	if config.Skew <= 0 {
		config.Skew = DefaultConfig().Skew
	}
	if config.OpaqueTTL <= 0 {
		config.OpaqueTTL = DefaultConfig().OpaqueTTL
	}

	return &CachingProvider{
		source:    source,
		config:    config,
		logger:    log.With().Str("component", "auth").Logger(),
		tokens:    make(map[string]cachedToken),
		listeners: make(map[int]func(string)),
		now:       time.Now,
	}
}

// AccessToken implements domain.CredentialProvider
func (p *CachingProvider) AccessToken(ctx context.Context) (string, error) {
	return p.token(ctx, nil)
}

// AccessTokenForScopes implements domain.CredentialProvider
func (p *CachingProvider) AccessTokenForScopes(ctx context.Context, scopes ...string) (string, error) {
	return p.token(ctx, scopes)
}

// CachePartitionID implements domain.PartitionResolver. It returns an empty
// id when nobody is signed in.
func (p *CachingProvider) CachePartitionID(ctx context.Context) (string, error) {
	if _, err := p.token(ctx, nil); err != nil {
		if errors.Is(err, domain.ErrNoSession) {
			return "", nil
		}
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity, nil
}

// SubscribeAccountChanges implements domain.AccountNotifier
func (p *CachingProvider) SubscribeAccountChanges(fn func(partitionID string)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Invalidate drops every cached token
func (p *CachingProvider) Invalidate() {
	p.mu.Lock()
	p.tokens = make(map[string]cachedToken)
	p.mu.Unlock()
}

func (p *CachingProvider) token(ctx context.Context, scopes []string) (string, error) {
	key := scopeKey(scopes)
	now := p.now()

	p.mu.Lock()
	if cached, ok := p.tokens[key]; ok && now.Before(cached.expires) {
		p.mu.Unlock()
		return cached.value, nil
	}
	p.mu.Unlock()

	var (
		value string
		err   error
	)
	if len(scopes) > 0 {
		value, err = p.source.AccessTokenForScopes(ctx, scopes...)
	} else {
		value, err = p.source.AccessToken(ctx)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNoSession) {
			p.observe("")
		}
		return "", err
	}

	entry := p.inspect(value, now)

	p.mu.Lock()
	p.tokens[key] = entry
	p.mu.Unlock()

	p.observe(entry.identity)
	return value, nil
}

// inspect reads exp and the identity claim without verifying the signature
func (p *CachingProvider) inspect(value string, now time.Time) cachedToken {
	entry := cachedToken{
		value:    value,
		expires:  now.Add(p.config.OpaqueTTL),
		identity: p.config.DefaultPartition,
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return entry
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		entry.expires = exp.Add(-p.config.Skew)
	}
	if oid, ok := claims["oid"].(string); ok && oid != "" {
		entry.identity = oid
	} else if sub, err := claims.GetSubject(); err == nil && sub != "" {
		entry.identity = sub
	}
	return entry
}

// observe notifies listeners when the identity differs from the last one seen
func (p *CachingProvider) observe(identity string) {
	p.mu.Lock()
	if p.known && p.identity == identity {
		p.mu.Unlock()
		return
	}
	changed := p.known
	p.identity = identity
	p.known = true

	if identity == "" {
		p.tokens = make(map[string]cachedToken)
	}

	var listeners []func(string)
	if changed {
		ids := make([]int, 0, len(p.listeners))
		for id := range p.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			listeners = append(listeners, p.listeners[id])
		}
	}
	p.mu.Unlock()

	if !changed {
		return
	}

	p.logger.Info().Str("partition", identity).Msg("Signed-in account changed")
	for _, fn := range listeners {
		fn(identity)
	}
}

func scopeKey(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
