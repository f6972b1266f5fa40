package storage

import (
	"fmt"
	"time"

	"github.com/nkkko/chatwatch/internal/storage/badger"
	"github.com/rs/zerolog/log"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage is the default storage type
	BadgerStorage StorageType = "badger"

	// MemoryStorage keeps records for the lifetime of the process only
	MemoryStorage StorageType = "memory"
)

// FactoryConfig contains configuration for the storage factory
type FactoryConfig struct {
	// Storage type to create
	Type StorageType

	// Badger configuration
	Badger badger.Config

	// Read-through cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultFactoryConfig returns the default factory configuration
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Type:            BadgerStorage,
		Badger:          badger.DefaultConfig(),
		CacheEnabled:    true,
		CacheSize:       1000,
		CacheExpiration: 30 * time.Second,
	}
}

// CreateStore creates a store based on the factory configuration
func CreateStore(config FactoryConfig) (Store, error) {
	var store Store

	switch config.Type {
	case MemoryStorage:
		store = NewMemory()
	case BadgerStorage, "":
		db, err := badger.NewStorage(config.Badger)
		if err != nil {
			return nil, err
		}
		store = db
	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}

	if !config.CacheEnabled {
		return store, nil
	}

	size := config.CacheSize
	if size <= 0 {
		size = DefaultFactoryConfig().CacheSize
	}
	expiration := config.CacheExpiration
	if expiration <= 0 {
		expiration = DefaultFactoryConfig().CacheExpiration
	}

	cached, err := NewCachedStore(store, size, expiration)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cached, nil
}

// CreateStoreWithFallback creates the configured store and falls back to
// Unavailable when it cannot be opened. Callers degrade to no-op caching.
func CreateStoreWithFallback(config FactoryConfig) Store {
	store, err := CreateStore(config)
	if err != nil {
		log.Warn().Err(err).Str("type", string(config.Type)).Msg("Storage unavailable, subscription cache disabled")
		return Unavailable{}
	}
	return store
}
