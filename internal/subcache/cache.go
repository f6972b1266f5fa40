// Package subcache persists subscription groups per owner so they survive
// restarts of the client. Records are partitioned by the signed-in identity.
package subcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	subscriptionsPrefix = "subscriptions/"
	groupsPrefix        = "groups/"
)

// Cache stores one Group record per owner
type Cache struct {
	store      domain.KVStore
	partitions domain.PartitionResolver
	logger     zerolog.Logger

	// Serializes read-modify-write of records in this process
	mu  sync.Mutex
	now func() time.Time
}

// New creates a cache over store. A nil partitions resolver disables the cache.
func New(store domain.KVStore, partitions domain.PartitionResolver) *Cache {
	return &Cache{
		store:      store,
		partitions: partitions,
		logger:     log.With().Str("component", "subcache").Logger(),
		now:        time.Now,
	}
}

// SetClock replaces the clock used for activity timestamps
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func recordKey(owner domain.OwnerKey) string {
	return subscriptionsPrefix + owner.String()
}

func groupKey(owner domain.OwnerKey) string {
	return groupsPrefix + owner.String()
}

// partition returns the active identity partition, or "" when there is none
func (c *Cache) partition(ctx context.Context) string {
	if c.store == nil || c.partitions == nil {
		return ""
	}

	id, err := c.partitions.CachePartitionID(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("No cache partition available")
		return ""
	}
	return id
}

// read loads the raw record. A missing record is not an error.
func (c *Cache) read(ctx context.Context, partition string, owner domain.OwnerKey) (domain.Group, bool, error) {
	data, err := c.store.Get(ctx, partition, recordKey(owner))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Group{}, false, nil
		}
		return domain.Group{}, false, err
	}

	var group domain.Group
	if err := json.Unmarshal(data, &group); err != nil {
		return domain.Group{}, false, fmt.Errorf("failed to decode record for %s: %w", owner, err)
	}
	group.Owner = owner
	return group, true, nil
}

func (c *Cache) write(ctx context.Context, partition string, group domain.Group) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", group.Owner, err)
	}
	return c.store.Put(ctx, partition, recordKey(group.Owner), data)
}

// degrade turns an unavailable store into a silent no-op
func degrade(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return nil
	}
	return err
}

// Load returns the cached group of owner. Storage failures and a missing
// identity are reported as absent.
func (c *Cache) Load(ctx context.Context, owner domain.OwnerKey) (domain.Group, bool) {
	partition := c.partition(ctx)
	if partition == "" {
		return domain.Group{}, false
	}

	group, ok, err := c.read(ctx, partition, owner)
	if err != nil {
		c.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to load cached subscriptions")
		return domain.Group{}, false
	}
	if !ok || len(group.Subscriptions) == 0 {
		return domain.Group{}, false
	}
	return group, true
}

// Save upserts sub into the owner's group by subscription id and refreshes
// the activity timestamp
func (c *Cache) Save(ctx context.Context, owner domain.OwnerKey, sub domain.Subscription) error {
	return c.update(ctx, owner, func(group *domain.Group) bool {
		for i := range group.Subscriptions {
			if group.Subscriptions[i].ID == sub.ID {
				group.Subscriptions[i] = sub
				return true
			}
		}
		group.Subscriptions = append(group.Subscriptions, sub)
		return true
	})
}

// RemoveSubscription drops one subscription from the owner's group
func (c *Cache) RemoveSubscription(ctx context.Context, owner domain.OwnerKey, subscriptionID string) error {
	return c.update(ctx, owner, func(group *domain.Group) bool {
		kept := group.Subscriptions[:0]
		for _, s := range group.Subscriptions {
			if s.ID != subscriptionID {
				kept = append(kept, s)
			}
		}
		changed := len(kept) != len(group.Subscriptions)
		group.Subscriptions = kept
		return changed
	})
}

// Touch refreshes the activity timestamp of an existing record
func (c *Cache) Touch(ctx context.Context, owner domain.OwnerKey) error {
	return c.update(ctx, owner, func(group *domain.Group) bool {
		return len(group.Subscriptions) > 0
	})
}

// update applies fn to the owner's record under the write lock. fn reports
// whether the record should be written back.
func (c *Cache) update(ctx context.Context, owner domain.OwnerKey, fn func(group *domain.Group) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	partition := c.partition(ctx)
	if partition == "" {
		return nil
	}

	group, _, err := c.read(ctx, partition, owner)
	if err != nil {
		return degrade(err)
	}
	group.Owner = owner

	if !fn(&group) {
		return nil
	}

	if len(group.Subscriptions) == 0 {
		return degrade(c.store.Delete(ctx, partition, recordKey(owner)))
	}

	group.LastActivity = c.now()
	return degrade(c.write(ctx, partition, group))
}

// Delete removes every cached subscription of owner along with its group id
func (c *Cache) Delete(ctx context.Context, owner domain.OwnerKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	partition := c.partition(ctx)
	if partition == "" {
		return nil
	}
	if err := degrade(c.store.Delete(ctx, partition, recordKey(owner))); err != nil {
		return err
	}
	return degrade(c.store.Delete(ctx, partition, groupKey(owner)))
}

// SweepInactive returns the groups whose last activity is before threshold.
// Nothing is deleted; the caller removes remote registrations first.
func (c *Cache) SweepInactive(ctx context.Context, threshold time.Time) ([]domain.Group, error) {
	partition := c.partition(ctx)
	if partition == "" {
		return nil, nil
	}

	records, err := c.store.List(ctx, partition, subscriptionsPrefix)
	if err != nil {
		return nil, degrade(err)
	}

	var stale []domain.Group
	for key, data := range records {
		owner, err := domain.ParseOwnerKey(strings.TrimPrefix(key, subscriptionsPrefix))
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable cache key")
			continue
		}

		var group domain.Group
		if err := json.Unmarshal(data, &group); err != nil {
			c.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Skipping unreadable cache record")
			continue
		}
		group.Owner = owner

		if group.LastActivity.Before(threshold) {
			stale = append(stale, group)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Owner.String() < stale[j].Owner.String()
	})
	return stale, nil
}

// GroupID returns the persisted notification group id of owner, generating
// one on first use. Without an identity a fresh id is returned every call.
func (c *Cache) GroupID(ctx context.Context, owner domain.OwnerKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	partition := c.partition(ctx)
	if partition == "" {
		return uuid.New().String()
	}

	data, err := c.store.Get(ctx, partition, groupKey(owner))
	if err == nil && len(data) > 0 {
		return string(data)
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Debug().Err(err).Str("owner", owner.String()).Msg("Group id not readable")
	}

	id := uuid.New().String()
	if err := c.store.Put(ctx, partition, groupKey(owner), []byte(id)); err != nil && degrade(err) != nil {
		c.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to persist group id")
	}
	return id
}
