// Package lifecycle creates, renews and deletes the remote subscriptions of
// every watched owner and keeps the streaming connection attached to them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/nkkko/chatwatch/internal/subcache"
	"github.com/nkkko/chatwatch/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of one owner's subscription group
type State int

const (
	StateAbsent State = iota
	StateCreating
	StateActive
	StateRenewing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateExpired:
		return "expired"
	default:
		return "absent"
	}
}

// MarshalText renders the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connector is the part of the connection manager the controller drives
type Connector interface {
	Connect(ctx context.Context, notificationTarget, sessionID string) error
	Close(ctx context.Context) error
	Connected() bool
	Ping(ctx context.Context) error
}

// clientGroup keys the group id shared by every owner of a client
var clientGroup = domain.OwnerKey{Kind: domain.OwnerUser, ID: "*"}

// Config contains lifecycle controller configuration
type Config struct {
	// Lifetime requested for every created or renewed subscription
	Lifetime time.Duration

	// Subscriptions expiring within this window are renewed
	RenewalThreshold time.Duration

	// Prefix of the notification url handed to the backend
	WebSocketsPrefix string

	// Value echoed back in every notification
	ClientState string

	// Identifies this client's session on the notification channel
	SessionID string

	// Give every owner its own notification group instead of sharing one
	GroupPerOwner bool

	// Upper bound on concurrent create calls during one ensure
	MaxConcurrentCreates int

	// Timeout applied to each remote call
	RequestTimeout time.Duration
}

// DefaultConfig returns the default lifecycle configuration
func DefaultConfig() Config {
	return Config{
		Lifetime:             10 * time.Minute,
		RenewalThreshold:     75 * time.Second,
		WebSocketsPrefix:     "websockets:",
		ClientState:          "wsssecret",
		MaxConcurrentCreates: 4,
		RequestTimeout:       30 * time.Second,
	}
}

// Dependencies are the collaborators of a Controller
type Dependencies struct {
	Remote     domain.RemoteAPI
	Cache      *subcache.Cache
	Connection Connector
	Bus        *notifier.Bus

	// Now defaults to time.Now
	Now func() time.Time
}

// OwnerStatus is a snapshot of one tracked owner
type OwnerStatus struct {
	Owner         domain.OwnerKey       `json:"owner"`
	State         State                 `json:"state"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
	Fatal         string                `json:"fatal,omitempty"`
}

type ownerState struct {
	owner domain.OwnerKey

	// Serializes ensure, renew and teardown of this owner
	op sync.Mutex

	// Guarded by Controller.mu
	specs   []domain.ResourceSpec
	state   State
	group   domain.Group
	fatal   error
	removed bool
}

// Controller owns the subscription groups of every watched owner
type Controller struct {
	config  Config
	remote  domain.RemoteAPI
	cache   *subcache.Cache
	conn    Connector
	bus     *notifier.Bus
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	flight singleflight.Group

	mu       sync.Mutex
	owners   map[domain.OwnerKey]*ownerState
	groupIDs map[domain.OwnerKey]string
	target   string
}

// New creates a lifecycle controller
func New(config Config, deps Dependencies) *Controller {
	defaults := DefaultConfig()
	if config.Lifetime <= 0 {
		config.Lifetime = defaults.Lifetime
	}
	if config.RenewalThreshold <= 0 {
		config.RenewalThreshold = defaults.RenewalThreshold
	}
	if config.WebSocketsPrefix == "" {
		config.WebSocketsPrefix = defaults.WebSocketsPrefix
	}
	if config.ClientState == "" {
		config.ClientState = defaults.ClientState
	}
	if config.SessionID == "" {
		config.SessionID = uuid.New().String()
	}
	if config.MaxConcurrentCreates <= 0 {
		config.MaxConcurrentCreates = defaults.MaxConcurrentCreates
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	bus := deps.Bus
	if bus == nil {
		bus = notifier.NewBus()
	}

	return &Controller{
		config:   config,
		remote:   deps.Remote,
		cache:    deps.Cache,
		conn:     deps.Connection,
		bus:      bus,
		now:      now,
		logger:   log.With().Str("component", "lifecycle").Logger(),
		metrics:  metrics.GetMetrics(),
		owners:   make(map[domain.OwnerKey]*ownerState),
		groupIDs: make(map[domain.OwnerKey]string),
	}
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.config
}

// Ensure makes sure owner has live subscriptions for specs and that the
// connection is attached. Concurrent calls for the same owner share one run.
// Only a partial or total creation failure is returned, as *domain.EnsureError.
func (c *Controller) Ensure(ctx context.Context, owner domain.OwnerKey, specs []domain.ResourceSpec) error {
	if len(specs) == 0 {
		specs = domain.DefaultResourceSpecs(owner)
	}

	_, err, shared := c.flight.Do(owner.String(), func() (any, error) {
		return nil, c.ensure(ctx, owner, specs)
	})
	if shared {
		c.logger.Debug().Str("owner", owner.String()).Msg("Joined in-flight ensure")
	}
	return err
}

func (c *Controller) ensure(ctx context.Context, owner domain.OwnerKey, specs []domain.ResourceSpec) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.ensure", attribute.String("owner", owner.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	// Serialize with other operations on this owner
	st := c.acquire(owner)
	defer st.op.Unlock()

	// Ensure clears any earlier fatal failure
	c.mu.Lock()
	st.specs = specs
	st.fatal = nil
	group := cloneGroup(st.group)
	c.mu.Unlock()

	// A group recovered from the cache has not been verified remotely yet
	recovered := false
	if len(group.Subscriptions) == 0 {
		if cached, ok := c.cache.Load(ctx, owner); ok {
			group = cached
			recovered = true
		}
	}

	// One expired member invalidates the whole group
	now := c.now()
	if len(group.Subscriptions) > 0 && (group.AnyExpired(now) || group.NotificationTarget() == "") {
		c.logger.Info().
			Str("owner", owner.String()).
			Int("subscriptions", len(group.Subscriptions)).
			Msg("Subscription group expired, recreating")
		telemetry.AddSpanEvent(ctx, "group_expired")

		c.deleteRemote(ctx, group.Subscriptions, false)
		if err := c.purge(ctx, owner); err != nil {
			c.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to purge cached subscriptions")
		}
		group = domain.Group{Owner: owner}
	}

	// Reuse a live group: fill gaps, attach, then renew
	if len(group.Subscriptions) > 0 {
		c.setGroup(st, group, StateActive)
		c.setTarget(group.NotificationTarget())

		err = c.createMissing(ctx, st, group.Missing(specs))
		c.attach(ctx)

		if renewErr := c.renew(ctx, st, recovered); renewErr != nil {
			c.logger.Warn().Err(renewErr).Str("owner", owner.String()).Msg("Defensive renewal failed")
		}
		return err
	}

	// Fresh group
	c.setGroup(st, domain.Group{Owner: owner}, StateCreating)
	err = c.createMissing(ctx, st, specs)
	c.attach(ctx)
	return err
}

// createMissing creates a subscription for every spec concurrently. Every
// spec is attempted; failures are aggregated.
func (c *Controller) createMissing(ctx context.Context, st *ownerState, specs []domain.ResourceSpec) error {
	if len(specs) == 0 {
		return nil
	}

	groupID := c.groupID(ctx, st.owner)
	results := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(c.config.MaxConcurrentCreates)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = c.create(ctx, st, spec, groupID)
			return nil
		})
	}
	_ = g.Wait()

	var failures []domain.SpecFailure
	for i, err := range results {
		if err != nil {
			failures = append(failures, domain.SpecFailure{Spec: specs[i], Err: err})
		}
	}
	c.refreshState(st)

	if len(failures) == 0 {
		return nil
	}

	ensureErr := &domain.EnsureError{Owner: st.owner, Failures: failures}
	c.logger.Warn().
		Err(ensureErr).
		Str("owner", st.owner.String()).
		Int("failed", len(failures)).
		Int("attempted", len(specs)).
		Msg("Subscription creation failed")
	c.bus.Emit(domain.SubscriptionFailed{Owner: st.owner, Err: ensureErr})

	if ensureErr.Class() == domain.ClassPermanent {
		c.markFatal(st, ensureErr)
	}
	return ensureErr
}

func (c *Controller) create(ctx context.Context, st *ownerState, spec domain.ResourceSpec, groupID string) error {
	req := createRequest{
		ChangeType:          domain.JoinChangeKinds(spec.ChangeKinds),
		NotificationURL:     notificationURL(c.config.WebSocketsPrefix, groupID),
		Resource:            spec.ResourcePath,
		ExpirationDateTime:  c.now().Add(c.config.Lifetime).UTC(),
		IncludeResourceData: true,
		ClientState:         c.config.ClientState,
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var resp remoteSubscription
	if err := c.remote.Post(callCtx, subscriptionsPath, req, &resp); err != nil {
		c.record("create", err)
		return err
	}
	if resp.ID == "" || resp.NotificationURL == "" {
		err := fmt.Errorf("%w: %s", domain.ErrSubscriptionNotCreated, spec.ResourcePath)
		c.record("create", err)
		return err
	}

	sub := resp.toSubscription(spec, req)
	c.upsert(st, sub)
	c.setTarget(sub.NotificationTarget)
	if err := c.cache.Save(ctx, st.owner, sub); err != nil {
		c.logger.Warn().Err(err).Str("owner", st.owner.String()).Msg("Failed to cache subscription")
	}
	c.record("create", nil)

	c.logger.Info().
		Str("owner", st.owner.String()).
		Str("subscription", sub.ID).
		Str("resource", sub.ResourcePath).
		Time("expires_at", sub.ExpiresAt).
		Msg("Subscription created")
	return nil
}

// Renew extends every subscription of owner that is within the renewal
// threshold. Stale subscriptions are purged; a permanent failure stops
// renewal for the owner until the next Ensure.
func (c *Controller) Renew(ctx context.Context, owner domain.OwnerKey) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.renew", attribute.String("owner", owner.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	st := c.lookup(owner)
	if st == nil {
		group, ok := c.cache.Load(ctx, owner)
		if !ok {
			return nil
		}
		st = c.acquire(owner)
		defer st.op.Unlock()
		c.mu.Lock()
		// Adopt only what the cache holds; renew never widens the group
		if len(st.group.Subscriptions) == 0 {
			st.group = group
			st.specs = specsOf(group)
		}
		c.mu.Unlock()
		c.setTarget(group.NotificationTarget())
	} else {
		st.op.Lock()
		defer st.op.Unlock()
	}

	return c.renew(ctx, st, false)
}

// specsOf returns the resource specs a group already subscribes to
func specsOf(group domain.Group) []domain.ResourceSpec {
	specs := make([]domain.ResourceSpec, 0, len(group.Subscriptions))
	for _, sub := range group.Subscriptions {
		specs = append(specs, domain.ResourceSpec{ResourcePath: sub.ResourcePath, ChangeKinds: sub.ChangeKinds})
	}
	return specs
}

// renew extends subscriptions nearing expiry, or all live ones when force is set
func (c *Controller) renew(ctx context.Context, st *ownerState, force bool) error {
	c.mu.Lock()
	if st.removed || st.fatal != nil {
		c.mu.Unlock()
		return nil
	}
	subs := append([]domain.Subscription(nil), st.group.Subscriptions...)
	st.state = StateRenewing
	c.mu.Unlock()

	defer c.refreshState(st)

	now := c.now()
	var errs []error
	for _, sub := range subs {
		if sub.Expired(now) {
			continue
		}
		if !force && sub.TimeLeft(now) > c.config.RenewalThreshold {
			continue
		}

		err := c.renewOne(ctx, st, sub)
		if err == nil {
			continue
		}

		switch domain.Classify(err) {
		case domain.ClassStale:
			c.logger.Info().
				Str("owner", st.owner.String()).
				Str("subscription", sub.ID).
				Msg("Subscription no longer exists remotely, purging")
			c.dropSubscription(ctx, st, sub.ID)
		case domain.ClassPermanent:
			c.markFatal(st, err)
			return err
		default:
			c.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("Renewal failed, will retry")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) renewOne(ctx context.Context, st *ownerState, sub domain.Subscription) error {
	req := renewRequest{ExpirationDateTime: c.now().Add(c.config.Lifetime).UTC()}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var resp remoteSubscription
	if err := c.remote.Patch(callCtx, subscriptionPath(sub.ID), req, &resp); err != nil {
		c.record("renew", err)
		return err
	}

	sub.ExpiresAt = req.ExpirationDateTime
	if !resp.ExpirationDateTime.IsZero() {
		sub.ExpiresAt = resp.ExpirationDateTime
	}
	c.upsert(st, sub)
	if err := c.cache.Save(ctx, st.owner, sub); err != nil {
		c.logger.Warn().Err(err).Str("owner", st.owner.String()).Msg("Failed to cache renewed subscription")
	}
	c.record("renew", nil)

	c.logger.Debug().
		Str("owner", st.owner.String()).
		Str("subscription", sub.ID).
		Time("expires_at", sub.ExpiresAt).
		Msg("Subscription renewed")
	return nil
}

// RenewAll runs one maintenance pass over every tracked owner: expired
// subscriptions are dropped, live ones renewed, missing ones recreated and
// the connection re-attached. A permanent error is returned only when every
// tracked owner has failed permanently.
func (c *Controller) RenewAll(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.renew_all")
	defer func() { telemetry.EndSpan(span, err) }()

	owners := c.snapshot()
	if len(owners) == 0 {
		return nil
	}

	var transient, fatal []error
	for _, st := range owners {
		st.op.Lock()
		ownerErr := c.maintain(ctx, st)
		st.op.Unlock()

		switch {
		case ownerErr == nil:
		case c.isFatal(st):
			fatal = append(fatal, ownerErr)
		default:
			transient = append(transient, ownerErr)
		}
	}

	c.keepAlive(ctx)

	if len(fatal) == len(owners) {
		return errors.Join(fatal...)
	}
	return errors.Join(transient...)
}

func (c *Controller) maintain(ctx context.Context, st *ownerState) error {
	c.mu.Lock()
	removed, fatal := st.removed, st.fatal
	group := cloneGroup(st.group)
	specs := st.specs
	c.mu.Unlock()

	if removed {
		return nil
	}
	if fatal != nil {
		return fatal
	}

	// Expired subscriptions cannot be renewed, only recreated
	now := c.now()
	for _, sub := range group.Subscriptions {
		if sub.Expired(now) {
			c.logger.Info().Str("owner", st.owner.String()).Str("subscription", sub.ID).Msg("Dropping expired subscription")
			c.dropSubscription(ctx, st, sub.ID)
		}
	}

	err := c.renew(ctx, st, false)
	if c.isFatal(st) {
		return err
	}

	// Recreate whatever the owner wants but no longer has
	c.mu.Lock()
	missing := st.group.Missing(specs)
	c.mu.Unlock()
	if len(missing) > 0 {
		if createErr := c.createMissing(ctx, st, missing); createErr != nil {
			err = errors.Join(err, createErr)
		}
	}

	// Keep the record out of the inactivity sweep
	if touchErr := c.cache.Touch(ctx, st.owner); touchErr != nil {
		c.logger.Debug().Err(touchErr).Str("owner", st.owner.String()).Msg("Failed to touch cache record")
	}
	return err
}

// keepAlive re-attaches a dropped connection and probes a live one
func (c *Controller) keepAlive(ctx context.Context) {
	if c.conn == nil {
		return
	}
	if c.conn.Connected() {
		if err := c.conn.Ping(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("Connection ping failed")
		}
		return
	}
	c.attach(ctx)
}

// SweepInactive tears down every cached group whose last activity is before
// threshold. Remote registrations are deleted before the cache record.
func (c *Controller) SweepInactive(ctx context.Context, threshold time.Time) (int, error) {
	groups, err := c.cache.SweepInactive(ctx, threshold)
	if err != nil {
		return 0, err
	}

	for _, group := range groups {
		c.logger.Info().
			Str("owner", group.Owner.String()).
			Time("last_activity", group.LastActivity).
			Msg("Sweeping inactive subscription group")

		if c.lookup(group.Owner) != nil {
			if err := c.Teardown(ctx, group.Owner); err != nil {
				c.logger.Warn().Err(err).Str("owner", group.Owner.String()).Msg("Failed to tear down inactive owner")
			}
			continue
		}

		c.deleteRemote(ctx, group.Subscriptions, true)
		if err := c.purge(ctx, group.Owner); err != nil {
			c.logger.Warn().Err(err).Str("owner", group.Owner.String()).Msg("Failed to delete inactive record")
		}
	}
	return len(groups), nil
}

// Teardown deletes the live remote subscriptions of owner, purges its cache
// record and closes the connection when no owner is left. Calling it again
// is a no-op.
func (c *Controller) Teardown(ctx context.Context, owner domain.OwnerKey) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "lifecycle.teardown", attribute.String("owner", owner.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	var group domain.Group
	if st := c.lookup(owner); st != nil {
		st.op.Lock()
		defer st.op.Unlock()

		c.mu.Lock()
		group = cloneGroup(st.group)
		st.removed = true
		if c.owners[owner] == st {
			delete(c.owners, owner)
		}
		c.updateGaugesLocked()
		c.mu.Unlock()
	}

	if len(group.Subscriptions) == 0 {
		if cached, ok := c.cache.Load(ctx, owner); ok {
			group = cached
		}
	}

	c.deleteRemote(ctx, group.Subscriptions, true)
	if err := c.purge(ctx, owner); err != nil {
		c.logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to purge cached subscriptions")
	}

	c.mu.Lock()
	last := len(c.owners) == 0
	if last {
		c.target = ""
	}
	c.mu.Unlock()

	if last && c.conn != nil {
		if err := c.conn.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close connection")
		}
	}

	c.logger.Info().Str("owner", owner.String()).Int("deleted", len(group.Subscriptions)).Msg("Owner torn down")
	return nil
}

// deleteRemote deletes subscriptions remotely, best effort
func (c *Controller) deleteRemote(ctx context.Context, subs []domain.Subscription, skipExpired bool) {
	now := c.now()
	for _, sub := range subs {
		if skipExpired && sub.Expired(now) {
			continue
		}

		callCtx, cancel := c.callContext(ctx)
		err := c.remote.Delete(callCtx, subscriptionPath(sub.ID))
		cancel()
		c.record("delete", err)

		if err != nil && !domain.IsStale(err) {
			c.logger.Warn().Err(err).Str("subscription", sub.ID).Msg("Failed to delete remote subscription")
		}
	}
}

// Reset forgets every tracked owner without touching remote state
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.owners {
		st.removed = true
	}
	c.owners = make(map[domain.OwnerKey]*ownerState)
	c.groupIDs = make(map[domain.OwnerKey]string)
	c.target = ""
	c.updateGaugesLocked()
}

// State returns the lifecycle state of owner
func (c *Controller) State(owner domain.OwnerKey) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.owners[owner]; ok {
		return st.state
	}
	return StateAbsent
}

// Fatal returns the permanent failure recorded for owner, if any
func (c *Controller) Fatal(owner domain.OwnerKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.owners[owner]; ok {
		return st.fatal
	}
	return nil
}

// Owners returns a snapshot of every tracked owner sorted by key
func (c *Controller) Owners() []OwnerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]OwnerStatus, 0, len(c.owners))
	for _, st := range c.owners {
		status := OwnerStatus{
			Owner:         st.owner,
			State:         st.state,
			Subscriptions: append([]domain.Subscription(nil), st.group.Subscriptions...),
		}
		if st.fatal != nil {
			status.Fatal = st.fatal.Error()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Owner.String() < statuses[j].Owner.String()
	})
	return statuses
}

// Tracks reports whether subscriptionID belongs to a tracked owner
func (c *Controller) Tracks(subscriptionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.owners {
		if _, ok := findByID(st.group, subscriptionID); ok {
			return true
		}
	}
	return false
}

// Target returns the notification target the connection attaches to
func (c *Controller) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Controller) attach(ctx context.Context) {
	target := c.Target()
	if target == "" || c.conn == nil {
		return
	}
	if err := c.conn.Connect(ctx, target, c.config.SessionID); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to attach connection, will retry on next pass")
	}
}

// purge drops the cache record of owner and the group id it was created under
func (c *Controller) purge(ctx context.Context, owner domain.OwnerKey) error {
	c.mu.Lock()
	delete(c.groupIDs, owner)
	c.mu.Unlock()
	return c.cache.Delete(ctx, owner)
}

func (c *Controller) groupID(ctx context.Context, owner domain.OwnerKey) string {
	key := clientGroup
	if c.config.GroupPerOwner {
		key = owner
	}

	c.mu.Lock()
	id, ok := c.groupIDs[key]
	c.mu.Unlock()
	if ok {
		return id
	}

	id = c.cache.GroupID(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.groupIDs[key]; ok {
		return existing
	}
	c.groupIDs[key] = id
	return id
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

func (c *Controller) markFatal(st *ownerState, err error) {
	c.mu.Lock()
	st.fatal = err
	c.mu.Unlock()

	c.logger.Error().Err(err).Str("owner", st.owner.String()).Msg("Permanent failure, renewal stopped for owner")
	c.bus.Emit(domain.FatalError{Owner: st.owner, Err: err})
}

func (c *Controller) isFatal(st *ownerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.fatal != nil
}

func (c *Controller) record(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = domain.Classify(err).String()
	}
	c.metrics.SubscriptionOperations.WithLabelValues(operation, outcome).Inc()
}

// track returns the state of owner, registering it when unknown
func (c *Controller) track(owner domain.OwnerKey) *ownerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.owners[owner]
	if !ok {
		st = &ownerState{owner: owner, group: domain.Group{Owner: owner}}
		c.owners[owner] = st
		c.updateGaugesLocked()
	}
	return st
}

// acquire tracks owner and locks its operation mutex, retrying when a
// concurrent teardown removed the state in between
func (c *Controller) acquire(owner domain.OwnerKey) *ownerState {
	for {
		st := c.track(owner)
		st.op.Lock()

		c.mu.Lock()
		removed := st.removed
		c.mu.Unlock()
		if !removed {
			return st
		}
		st.op.Unlock()
	}
}

func (c *Controller) lookup(owner domain.OwnerKey) *ownerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[owner]
}

func (c *Controller) snapshot() []*ownerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	owners := make([]*ownerState, 0, len(c.owners))
	for _, st := range c.owners {
		owners = append(owners, st)
	}
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].owner.String() < owners[j].owner.String()
	})
	return owners
}

func (c *Controller) setTarget(target string) {
	if target == "" {
		return
	}
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

func (c *Controller) setGroup(st *ownerState, group domain.Group, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	group.Owner = st.owner
	st.group = group
	st.state = state
	c.updateGaugesLocked()
}

func (c *Controller) upsert(st *ownerState, sub domain.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range st.group.Subscriptions {
		if st.group.Subscriptions[i].ID == sub.ID {
			st.group.Subscriptions[i] = sub
			return
		}
	}
	st.group.Subscriptions = append(st.group.Subscriptions, sub)
	c.updateGaugesLocked()
}

func (c *Controller) dropSubscription(ctx context.Context, st *ownerState, subscriptionID string) {
	c.mu.Lock()
	kept := make([]domain.Subscription, 0, len(st.group.Subscriptions))
	for _, s := range st.group.Subscriptions {
		if s.ID != subscriptionID {
			kept = append(kept, s)
		}
	}
	st.group.Subscriptions = kept
	c.updateGaugesLocked()
	c.mu.Unlock()

	if err := c.cache.RemoveSubscription(ctx, st.owner, subscriptionID); err != nil {
		c.logger.Warn().Err(err).Str("subscription", subscriptionID).Msg("Failed to remove cached subscription")
	}
}

// refreshState derives the owner state from its group
func (c *Controller) refreshState(st *ownerState) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(st.group.Subscriptions) == 0:
		st.state = StateAbsent
	case st.group.AnyExpired(now):
		st.state = StateExpired
	default:
		st.state = StateActive
	}
	c.updateGaugesLocked()
}

func (c *Controller) updateGaugesLocked() {
	subs := 0
	for _, st := range c.owners {
		subs += len(st.group.Subscriptions)
	}
	c.metrics.OwnersActive.Set(float64(len(c.owners)))
	c.metrics.SubscriptionsActive.Set(float64(subs))
}

func cloneGroup(g domain.Group) domain.Group {
	g.Subscriptions = append([]domain.Subscription(nil), g.Subscriptions...)
	return g
}

func findByID(g domain.Group, id string) (domain.Subscription, bool) {
	for _, s := range g.Subscriptions {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Subscription{}, false
}
