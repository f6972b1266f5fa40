package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Storage implements domain.KVStore
var _ domain.KVStore = (*Storage)(nil)

const (
	// Every key is prefixKV + partition + separator + key
	prefixKV  = "kv\x00"
	separator = "\x00"
)

// Config contains badger storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory (tests and ephemeral runs)
	InMemory bool

	// Sync every write to disk
	SyncWrites bool

	// How often the value log is garbage collected
	GCInterval time.Duration

	// Discard ratio passed to RunValueLogGC
	GCDiscardRatio float64

	// How often DB size metrics are collected
	MetricsInterval time.Duration
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		SyncWrites:      true,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
		MetricsInterval: 15 * time.Second,
	}
}

// Storage is a partitioned key-value store on Badger
type Storage struct {
	config  Config
	db      *badger.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStorage opens the Badger database
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = DefaultConfig().MetricsInterval
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DataDir == "" {
			config.DataDir = DefaultConfig().DataDir
		}
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath).WithSyncWrites(config.SyncWrites)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Msg("Badger storage opened")

	return &Storage{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// makeKey builds the physical key of a partitioned key
func makeKey(partition, key string) ([]byte, error) {
	if strings.Contains(partition, separator) {
		return nil, fmt.Errorf("invalid partition %q", partition)
	}

	var b bytes.Buffer
	b.Grow(len(prefixKV) + len(partition) + len(separator) + len(key))
	b.WriteString(prefixKV)
	b.WriteString(partition)
	b.WriteString(separator)
	b.WriteString(key)
	return b.Bytes(), nil
}

// Start runs value log GC and metrics collection until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	gcTicker := time.NewTicker(s.config.GCInterval)
	defer gcTicker.Stop()

	metricsTicker := time.NewTicker(s.config.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-gcTicker.C:
			s.runGC()
		case <-metricsTicker.C:
			s.collectMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

// runGC collects the value log until nothing is left to rewrite
func (s *Storage) runGC() {
	if s.config.InMemory {
		return
	}
	for {
		err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Error().Err(err).Msg("Error during value log garbage collection")
		}
		return
	}
}

// collectMetrics reports the on-disk size of the database
func (s *Storage) collectMetrics() {
	lsm, vlog := s.db.Size()
	s.metrics.DBSize.Set(float64(lsm + vlog))
}

// Get returns the value stored under key in partition
func (s *Storage) Get(ctx context.Context, partition, key string) ([]byte, error) {
	start := time.Now()
	defer s.observe("get", start)

	k, err := makeKey(partition, key)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to retrieve key: %w", err)
		}

		value, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read value: %w", err)
		}
		return nil
	})

	s.count("get", err == nil || errors.Is(err, domain.ErrNotFound))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key in partition
func (s *Storage) Put(ctx context.Context, partition, key string, value []byte) error {
	start := time.Now()
	defer s.observe("put", start)

	k, err := makeKey(partition, key)
	if err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := txn.Set(k, value); err != nil {
		s.count("put", false)
		return fmt.Errorf("failed to set key: %w", err)
	}
	if err := txn.Commit(); err != nil {
		s.count("put", false)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.count("put", true)
	return nil
}

// Delete removes key from partition. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, partition, key string) error {
	start := time.Now()
	defer s.observe("delete", start)

	k, err := makeKey(partition, key)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
	s.count("delete", err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// List returns every key in partition that starts with prefix
func (s *Storage) List(ctx context.Context, partition, prefix string) (map[string][]byte, error) {
	start := time.Now()
	defer s.observe("list", start)

	base, err := makeKey(partition, "")
	if err != nil {
		return nil, err
	}
	seek := append(append([]byte{}, base...), prefix...)

	result := make(map[string][]byte)
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			result[string(item.Key()[len(base):])] = value
		}
		return nil
	})

	s.count("list", err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the database
func (s *Storage) Close() error {
	s.logger.Info().Msg("Closing Badger storage")
	return s.db.Close()
}

func (s *Storage) count(op string, ok bool) {
	success := "true"
	if !ok {
		success = "false"
	}
	s.metrics.StorageOperations.WithLabelValues(op, success).Inc()
}

func (s *Storage) observe(op string, start time.Time) {
	s.metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
