package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/nkkko/chatwatch/internal/domain"
)

// Store is a KVStore with a lifecycle
type Store interface {
	domain.KVStore

	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Close releases the store
	Close() error
}

// Ensure implementations satisfy Store
var (
	_ Store = (*Memory)(nil)
	_ Store = Unavailable{}
)

// Memory is an in-memory Store
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string][]byte),
	}
}

// Start implements Store
func (m *Memory) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Get implements domain.KVStore
func (m *Memory) Get(ctx context.Context, partition, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[partition][key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put implements domain.KVStore
func (m *Memory) Put(ctx context.Context, partition, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.data[partition]
	if !ok {
		p = make(map[string][]byte)
		m.data[partition] = p
	}
	p[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements domain.KVStore
func (m *Memory) Delete(ctx context.Context, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[partition], key)
	return nil
}

// List implements domain.KVStore
func (m *Memory) List(ctx context.Context, partition, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]byte)
	for k, v := range m.data[partition] {
		if strings.HasPrefix(k, prefix) {
			result[k] = append([]byte(nil), v...)
		}
	}
	return result, nil
}

// Close implements Store
func (m *Memory) Close() error {
	return nil
}

// Unavailable is a Store that fails every call with ErrStorageUnavailable.
// It is used when no durable store can be opened.
type Unavailable struct{}

func (Unavailable) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (Unavailable) Get(context.Context, string, string) ([]byte, error) {
	return nil, domain.ErrStorageUnavailable
}

func (Unavailable) Put(context.Context, string, string, []byte) error {
	return domain.ErrStorageUnavailable
}

func (Unavailable) Delete(context.Context, string, string) error {
	return domain.ErrStorageUnavailable
}

func (Unavailable) List(context.Context, string, string) (map[string][]byte, error) {
	return nil, domain.ErrStorageUnavailable
}

func (Unavailable) Close() error { return nil }
