package subcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type partitionFunc func(ctx context.Context) (string, error)

func (f partitionFunc) CachePartitionID(ctx context.Context) (string, error) { return f(ctx) }

func fixedPartition(id string) domain.PartitionResolver {
	return partitionFunc(func(context.Context) (string, error) { return id, nil })
}

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := New(storage.NewMemory(), fixedPartition("alice"))
	c.now = func() time.Time { return now }
	return c, &now
}

func sub(id, resource string, expires time.Time) domain.Subscription {
	return domain.Subscription{
		ID:                 id,
		ResourcePath:       resource,
		ChangeKinds:        domain.AllChangeKinds,
		ExpiresAt:          expires,
		NotificationTarget: "websockets:https://hub.example/notifications?groupId=g1",
		ClientSecret:       "secret",
	}
}

func TestCache_SaveLoad(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)
	owner := domain.ChatOwner("19:abc")

	_, ok := c.Load(ctx, owner)
	assert.False(t, ok)

	s1 := sub("s1", "/chats/19:abc/messages", now.Add(10*time.Minute))
	require.NoError(t, c.Save(ctx, owner, s1))

	group, ok := c.Load(ctx, owner)
	require.True(t, ok)
	assert.Equal(t, owner, group.Owner)
	require.Len(t, group.Subscriptions, 1)
	assert.Equal(t, "s1", group.Subscriptions[0].ID)
	assert.True(t, group.Subscriptions[0].ExpiresAt.Equal(s1.ExpiresAt))
	assert.True(t, group.LastActivity.Equal(*now))
}

func TestCache_SaveIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)
	owner := domain.ChatOwner("19:abc")

	s1 := sub("s1", "/chats/19:abc/messages", now.Add(10*time.Minute))
	require.NoError(t, c.Save(ctx, owner, s1))
	require.NoError(t, c.Save(ctx, owner, s1))

	s1.ExpiresAt = now.Add(20 * time.Minute)
	require.NoError(t, c.Save(ctx, owner, s1))
	require.NoError(t, c.Save(ctx, owner, sub("s2", "/chats/19:abc/members", now.Add(10*time.Minute))))

	group, ok := c.Load(ctx, owner)
	require.True(t, ok)
	require.Len(t, group.Subscriptions, 2)
	assert.True(t, group.Subscriptions[0].ExpiresAt.Equal(now.Add(20*time.Minute)))
}

func TestCache_RemoveSubscriptionAndDelete(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)
	owner := domain.ChatOwner("19:abc")

	require.NoError(t, c.Save(ctx, owner, sub("s1", "/chats/19:abc/messages", now.Add(time.Minute))))
	require.NoError(t, c.Save(ctx, owner, sub("s2", "/chats/19:abc/members", now.Add(time.Minute))))

	require.NoError(t, c.RemoveSubscription(ctx, owner, "s1"))
	group, ok := c.Load(ctx, owner)
	require.True(t, ok)
	assert.Equal(t, []string{"s2"}, group.SubscriptionIDs())

	// Removing the last one drops the record
	require.NoError(t, c.RemoveSubscription(ctx, owner, "s2"))
	_, ok = c.Load(ctx, owner)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, owner, sub("s3", "/chats/19:abc", now.Add(time.Minute))))
	require.NoError(t, c.Delete(ctx, owner))
	require.NoError(t, c.Delete(ctx, owner))
	_, ok = c.Load(ctx, owner)
	assert.False(t, ok)
}

func TestCache_PartitionedByIdentity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	owner := domain.ChatOwner("19:abc")

	alice := New(store, fixedPartition("alice"))
	bob := New(store, fixedPartition("bob"))

	require.NoError(t, alice.Save(ctx, owner, sub("s1", "/chats/19:abc/messages", time.Now().Add(time.Hour))))

	_, ok := bob.Load(ctx, owner)
	assert.False(t, ok)
	_, ok = alice.Load(ctx, owner)
	assert.True(t, ok)
}

func TestCache_NoIdentityIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	owner := domain.ChatOwner("19:abc")

	for _, resolver := range []domain.PartitionResolver{
		nil,
		fixedPartition(""),
		partitionFunc(func(context.Context) (string, error) { return "", domain.ErrNoSession }),
	} {
		c := New(store, resolver)
		assert.NoError(t, c.Save(ctx, owner, sub("s1", "/r", time.Now().Add(time.Hour))))
		_, ok := c.Load(ctx, owner)
		assert.False(t, ok)
		assert.NoError(t, c.Delete(ctx, owner))
		groups, err := c.SweepInactive(ctx, time.Now())
		assert.NoError(t, err)
		assert.Empty(t, groups)
		assert.NotEmpty(t, c.GroupID(ctx, owner))
	}

	list, err := store.List(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCache_StorageUnavailableDegrades(t *testing.T) {
	ctx := context.Background()
	c := New(storage.Unavailable{}, fixedPartition("alice"))
	owner := domain.ChatOwner("19:abc")

	assert.NoError(t, c.Save(ctx, owner, sub("s1", "/r", time.Now().Add(time.Hour))))
	assert.NoError(t, c.Touch(ctx, owner))
	assert.NoError(t, c.Delete(ctx, owner))
	_, ok := c.Load(ctx, owner)
	assert.False(t, ok)
	groups, err := c.SweepInactive(ctx, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, groups)
}

type failingStore struct {
	*storage.Memory
}

func (failingStore) Put(context.Context, string, string, []byte) error {
	return errors.New("disk full")
}

func TestCache_SaveSurfacesStoreErrors(t *testing.T) {
	c := New(failingStore{storage.NewMemory()}, fixedPartition("alice"))
	err := c.Save(context.Background(), domain.ChatOwner("1"), sub("s1", "/r", time.Now()))
	assert.Error(t, err)
}

func TestCache_SweepInactive(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(t)
	start := *now

	old := domain.ChatOwner("old")
	fresh := domain.UserOwner("fresh")
	touched := domain.ChatOwner("touched")

	require.NoError(t, c.Save(ctx, old, sub("s1", "/chats/old/messages", start.Add(time.Hour))))
	require.NoError(t, c.Save(ctx, touched, sub("s2", "/chats/touched/messages", start.Add(time.Hour))))

	*now = start.Add(5 * time.Minute)
	require.NoError(t, c.Save(ctx, fresh, sub("s3", "/users/fresh/chats/getAllmessages", start.Add(time.Hour))))
	require.NoError(t, c.Touch(ctx, touched))

	groups, err := c.SweepInactive(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, old, groups[0].Owner)
	assert.Equal(t, []string{"s1"}, groups[0].SubscriptionIDs())

	// Sweep does not delete
	_, ok := c.Load(ctx, old)
	assert.True(t, ok)
}

func TestCache_GroupID(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	a := c.GroupID(ctx, domain.ChatOwner("a"))
	assert.NotEmpty(t, a)
	assert.Equal(t, a, c.GroupID(ctx, domain.ChatOwner("a")))
	assert.NotEqual(t, a, c.GroupID(ctx, domain.ChatOwner("b")))

	// Deleting the owner reclaims its group id
	b := c.GroupID(ctx, domain.ChatOwner("b"))
	require.NoError(t, c.Delete(ctx, domain.ChatOwner("a")))
	assert.NotEqual(t, a, c.GroupID(ctx, domain.ChatOwner("a")))
	assert.Equal(t, b, c.GroupID(ctx, domain.ChatOwner("b")))
}
