package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/chatwatch/internal/auth"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/envelope"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/nkkko/chatwatch/internal/storage"
	"github.com/nkkko/chatwatch/internal/subcache"
	"github.com/nkkko/chatwatch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type partitionFunc func(ctx context.Context) (string, error)

func (f partitionFunc) CachePartitionID(ctx context.Context) (string, error) { return f(ctx) }

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handle(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind domain.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	ctrl    *Controller
	remote  *MockRemote
	builder *transport.MockBuilder
	cache   *subcache.Cache
	clock   *testClock
	events  *eventLog
	store   domain.KVStore
}

func newFixture(t *testing.T, store domain.KVStore) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	bus := notifier.NewBus()
	events := &eventLog{}
	bus.OnAny(events.handle)

	cache := subcache.New(store, partitionFunc(func(context.Context) (string, error) { return "alice", nil }))
	cache.SetClock(clock.Now)

	builder := transport.NewMockBuilder()
	manager := transport.NewManager(transport.DefaultConfig(), builder, auth.StaticProvider{Token: "tok"},
		envelope.NewDecoder(envelope.DefaultConfig()), bus)

	remote := NewMockRemote()
	ctrl := New(Config{SessionID: "session-1"}, Dependencies{
		Remote:     remote,
		Cache:      cache,
		Connection: manager,
		Bus:        bus,
		Now:        clock.Now,
	})

	return &fixture{ctrl: ctrl, remote: remote, builder: builder, cache: cache, clock: clock, events: events, store: store}
}

// sibling builds a second controller over the same backend and store, as after a restart
func (f *fixture) sibling() *Controller {
	return f.controller(Config{SessionID: "session-2"})
}

func (f *fixture) controller(config Config) *Controller {
	bus := notifier.NewBus()
	manager := transport.NewManager(transport.DefaultConfig(), f.builder, auth.StaticProvider{Token: "tok"},
		envelope.NewDecoder(envelope.DefaultConfig()), bus)

	return New(config, Dependencies{
		Remote:     f.remote,
		Cache:      f.cache,
		Connection: manager,
		Bus:        bus,
		Now:        f.clock.Now,
	})
}

func (f *fixture) cached(t *testing.T, owner domain.OwnerKey) domain.Group {
	t.Helper()
	group, _ := f.cache.Load(context.Background(), owner)
	return group
}

var chat = domain.ChatOwner("19:abc@thread.v2")

func TestEnsureCreatesSubscriptionsAndConnects(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	assert.ElementsMatch(t, []string{
		"/chats/19:abc@thread.v2/messages",
		"/chats/19:abc@thread.v2/members",
		"/chats/19:abc@thread.v2",
	}, f.remote.Creates())
	assert.Equal(t, StateActive, f.ctrl.State(chat))

	group := f.cached(t, chat)
	require.Len(t, group.Subscriptions, 3)
	for _, sub := range group.Subscriptions {
		assert.True(t, sub.ExpiresAt.Equal(f.clock.Now().Add(10*time.Minute)))
		assert.Equal(t, "wsssecret", sub.ClientSecret)
		assert.True(t, f.ctrl.Tracks(sub.ID))
	}

	require.Len(t, f.builder.Built(), 1)
	url := f.builder.Last().URL
	assert.True(t, strings.HasPrefix(url, "https://hub.example.test/notifications?"))
	assert.Contains(t, url, "sessionid=session-1")
	assert.Equal(t, 1, f.events.count(domain.EventConnected))
}

func TestEnsureTwiceCreatesOnce(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	assert.Len(t, f.remote.Creates(), 3)
	assert.Empty(t, f.remote.Renews(), "nothing is near expiry")
	assert.Len(t, f.builder.Built(), 1)
}

func TestConcurrentEnsureSharesOneRun(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	f.remote.SetDelay(30 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.ctrl.Ensure(context.Background(), chat, nil))
		}()
	}
	wg.Wait()

	assert.Len(t, f.remote.Creates(), 3)
	assert.Len(t, f.builder.Built(), 1)
}

func TestEnsureRecreatesExpiredGroup(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	oldIDs := f.cached(t, chat).SubscriptionIDs()

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	assert.ElementsMatch(t, oldIDs, f.remote.Deletes(), "every member of the stale group is deleted")
	assert.Len(t, f.remote.Creates(), 6)

	group := f.cached(t, chat)
	require.Len(t, group.Subscriptions, 3)
	for _, sub := range group.Subscriptions {
		assert.NotContains(t, oldIDs, sub.ID)
		assert.False(t, sub.Expired(f.clock.Now()))
	}
	assert.Equal(t, StateActive, f.ctrl.State(chat))
}

func TestEnsureRecoveredGroupIsVerified(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	restarted := f.sibling()
	require.NoError(t, restarted.Ensure(ctx, chat, nil))

	assert.Len(t, f.remote.Creates(), 3, "cached group is reused")
	assert.Len(t, f.remote.Renews(), 3, "recovered subscriptions are refreshed")
	assert.Equal(t, StateActive, restarted.State(chat))
}

func TestEnsureRecoveredGroupWithStaleMember(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	group := f.cached(t, chat)
	gone, _ := group.Find("/chats/19:abc@thread.v2/members")
	f.remote.Forget(gone.ID)

	restarted := f.sibling()
	require.NoError(t, restarted.Ensure(ctx, chat, nil))

	after := f.cached(t, chat)
	assert.Len(t, after.Subscriptions, 2)
	_, ok := after.Find("/chats/19:abc@thread.v2/members")
	assert.False(t, ok)

	// The next maintenance pass recreates the purged member
	require.NoError(t, restarted.RenewAll(ctx))
	assert.Len(t, f.cached(t, chat).Subscriptions, 3)
	assert.Len(t, f.remote.Creates(), 4)
}

func TestPartialCreationFailure(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	f.remote.SetCreateError("/chats/19:abc@thread.v2/members",
		&domain.RemoteError{StatusCode: http.StatusServiceUnavailable, Message: "try later"})

	err := f.ctrl.Ensure(ctx, chat, nil)
	require.Error(t, err)

	var ensureErr *domain.EnsureError
	require.True(t, errors.As(err, &ensureErr))
	require.Len(t, ensureErr.Failures, 1)
	assert.Equal(t, "/chats/19:abc@thread.v2/members", ensureErr.Failures[0].Spec.ResourcePath)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))

	assert.Len(t, f.cached(t, chat).Subscriptions, 2)
	assert.Len(t, f.builder.Built(), 1)
	assert.Equal(t, 1, f.events.count(domain.EventSubscriptionFailed))
	assert.Nil(t, f.ctrl.Fatal(chat))

	f.remote.SetCreateError("/chats/19:abc@thread.v2/members", nil)
	require.NoError(t, f.ctrl.RenewAll(ctx))
	assert.Len(t, f.cached(t, chat).Subscriptions, 3)
}

func TestPermanentFailureStopsOwner(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	forbidden := &domain.RemoteError{StatusCode: http.StatusForbidden, Message: "Insufficient privileges"}
	for _, spec := range domain.ChatResourceSpecs("19:abc@thread.v2") {
		f.remote.SetCreateError(spec.ResourcePath, forbidden)
	}

	err := f.ctrl.Ensure(ctx, chat, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.NotNil(t, f.ctrl.Fatal(chat))
	assert.Equal(t, 1, f.events.count(domain.EventFatalError))
	assert.Empty(t, f.builder.Built())

	// Maintenance leaves a fatal owner alone and reports the permanent state
	err = f.ctrl.RenewAll(ctx)
	assert.True(t, domain.IsPermanent(err))
	assert.Len(t, f.remote.Creates(), 3)

	// An explicit ensure clears the fatal state
	for _, spec := range domain.ChatResourceSpecs("19:abc@thread.v2") {
		f.remote.SetCreateError(spec.ResourcePath, nil)
	}
	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	assert.Nil(t, f.ctrl.Fatal(chat))
	assert.Equal(t, StateActive, f.ctrl.State(chat))
}

func TestFatalOwnerDoesNotStopHealthyOwners(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	user := domain.UserOwner("u1")
	f.remote.SetCreateError("/users/u1/chats/getAllmessages",
		&domain.RemoteError{StatusCode: http.StatusPaymentRequired, Message: "payment required"})

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	require.Error(t, f.ctrl.Ensure(ctx, user, nil))

	assert.NoError(t, f.ctrl.RenewAll(ctx))
}

func TestRenewHonorsThreshold(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	f.clock.Advance(10*time.Minute - 76*time.Second)
	require.NoError(t, f.ctrl.Renew(ctx, chat))
	assert.Empty(t, f.remote.Renews())

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.ctrl.Renew(ctx, chat))
	assert.Len(t, f.remote.Renews(), 3)

	want := f.clock.Now().Add(10 * time.Minute)
	for _, sub := range f.cached(t, chat).Subscriptions {
		assert.True(t, want.Equal(sub.ExpiresAt))
	}
}

func TestRenewPurgesStaleSubscription(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	msgs, ok := f.cached(t, chat).Find("/chats/19:abc@thread.v2/messages")
	require.True(t, ok)
	f.remote.Forget(msgs.ID)

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, f.ctrl.Renew(ctx, chat))

	group := f.cached(t, chat)
	assert.Len(t, group.Subscriptions, 2)
	assert.False(t, f.ctrl.Tracks(msgs.ID))
	assert.Nil(t, f.ctrl.Fatal(chat))
}

func TestRenewLimitReachedIsTransient(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	for _, id := range f.cached(t, chat).SubscriptionIDs() {
		f.remote.SetRenewError(id, &domain.RemoteError{
			StatusCode: http.StatusForbidden,
			Message:    "Subscription operation has reached its limit",
		})
	}

	f.clock.Advance(9 * time.Minute)
	err := f.ctrl.Renew(ctx, chat)
	require.Error(t, err)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
	assert.Nil(t, f.ctrl.Fatal(chat))
	assert.Len(t, f.cached(t, chat).Subscriptions, 3)
}

func TestRenewAdoptsOnlyCachedResources(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	messages := domain.ResourceSpec{
		ResourcePath: "/chats/19:abc@thread.v2/messages",
		ChangeKinds:  []domain.ChangeKind{domain.ChangeCreated},
	}
	require.NoError(t, f.ctrl.Ensure(ctx, chat, []domain.ResourceSpec{messages}))
	require.Len(t, f.remote.Creates(), 1)

	restarted := f.sibling()
	f.clock.Advance(9 * time.Minute)
	require.NoError(t, restarted.Renew(ctx, chat))
	require.NoError(t, restarted.RenewAll(ctx))

	assert.Equal(t, []string{messages.ResourcePath}, f.remote.Creates(), "renewal never adds resources")
	assert.Len(t, f.remote.Renews(), 1)

	group := f.cached(t, chat)
	require.Len(t, group.Subscriptions, 1)
	assert.Equal(t, []domain.ChangeKind{domain.ChangeCreated}, group.Subscriptions[0].ChangeKinds)
}

func TestRenewUnknownOwnerIsNoop(t *testing.T) {
	f := newFixture(t, storage.NewMemory())

	require.NoError(t, f.ctrl.Renew(context.Background(), chat))
	assert.Empty(t, f.ctrl.Owners())
}

func TestTeardown(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	ids := f.cached(t, chat).SubscriptionIDs()

	require.NoError(t, f.ctrl.Teardown(ctx, chat))
	assert.ElementsMatch(t, ids, f.remote.Deletes())
	assert.Empty(t, f.remote.Live())
	assert.Empty(t, f.cached(t, chat).Subscriptions)
	assert.Equal(t, StateAbsent, f.ctrl.State(chat))
	assert.Equal(t, 1, f.builder.Last().StopCount())

	require.NoError(t, f.ctrl.Teardown(ctx, chat))
	assert.Len(t, f.remote.Deletes(), 3)
}

func TestTeardownSkipsExpired(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	f.clock.Advance(time.Hour)

	require.NoError(t, f.ctrl.Teardown(ctx, chat))
	assert.Empty(t, f.remote.Deletes())
	assert.Empty(t, f.cached(t, chat).Subscriptions)
}

func TestTeardownKeepsSharedConnection(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()
	user := domain.UserOwner("u1")

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	require.NoError(t, f.ctrl.Ensure(ctx, user, nil))
	require.Len(t, f.builder.Built(), 1, "owners share one notification group")

	require.NoError(t, f.ctrl.Teardown(ctx, chat))
	assert.Equal(t, 0, f.builder.Last().StopCount())

	require.NoError(t, f.ctrl.Teardown(ctx, user))
	assert.Equal(t, 1, f.builder.Last().StopCount())
}

func TestSweepInactive(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))

	n, err := f.ctrl.SweepInactive(ctx, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.ctrl.SweepInactive(ctx, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.remote.Deletes(), 3)
	assert.Empty(t, f.cached(t, chat).Subscriptions)
	assert.Empty(t, f.ctrl.Owners())
}

func TestTeardownReclaimsOwnerGroupID(t *testing.T) {
	store := storage.NewMemory()
	f := newFixture(t, store)
	ctrl := f.controller(Config{SessionID: "session-1", GroupPerOwner: true})
	ctx := context.Background()

	groupIDs := func() map[string][]byte {
		keys, err := store.List(ctx, "alice", "groups/")
		require.NoError(t, err)
		return keys
	}

	require.NoError(t, ctrl.Ensure(ctx, chat, nil))
	require.Len(t, groupIDs(), 1)
	first := f.cached(t, chat).NotificationTarget()

	require.NoError(t, ctrl.Teardown(ctx, chat))
	assert.Empty(t, groupIDs())

	require.NoError(t, ctrl.Ensure(ctx, chat, nil))
	assert.NotEqual(t, first, f.cached(t, chat).NotificationTarget())

	n, err := ctrl.SweepInactive(ctx, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, groupIDs())
}

func TestWorksWithoutStorage(t *testing.T) {
	f := newFixture(t, storage.Unavailable{})
	ctx := context.Background()

	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	require.NoError(t, f.ctrl.Ensure(ctx, chat, nil))
	assert.Len(t, f.remote.Creates(), 3)

	f.clock.Advance(9 * time.Minute)
	require.NoError(t, f.ctrl.RenewAll(ctx))
	assert.Len(t, f.remote.Renews(), 3)

	statuses := f.ctrl.Owners()
	require.Len(t, statuses, 1)
	assert.Equal(t, chat, statuses[0].Owner)
	assert.Len(t, statuses[0].Subscriptions, 3)
}

// targetlessRemote answers creates without a notification url
type targetlessRemote struct{}

func (targetlessRemote) Post(ctx context.Context, path string, body any, out any) error {
	return convert(remoteSubscription{ID: "sub-x", ExpirationDateTime: time.Now().Add(time.Hour)}, out)
}

func (targetlessRemote) Patch(ctx context.Context, path string, body any, out any) error { return nil }

func (targetlessRemote) Delete(ctx context.Context, path string) error { return nil }

func TestCreateWithoutNotificationURL(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	f.ctrl.remote = targetlessRemote{}

	err := f.ctrl.Ensure(context.Background(), domain.UserOwner("u1"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotCreated)
	assert.Empty(t, f.builder.Built())
	assert.Equal(t, StateAbsent, f.ctrl.State(domain.UserOwner("u1")))
}

func TestUnusableNotificationTarget(t *testing.T) {
	f := newFixture(t, storage.NewMemory())
	f.remote.HubURL = ""

	// The subscription exists but its channel cannot be dialed
	require.NoError(t, f.ctrl.Ensure(context.Background(), domain.UserOwner("u1"), nil))
	assert.Empty(t, f.builder.Built())
	assert.Len(t, f.cached(t, domain.UserOwner("u1")).Subscriptions, 1)
}
