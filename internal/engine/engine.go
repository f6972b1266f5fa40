// Package engine wires the subscription cache, envelope decoder, connection
// manager, lifecycle controller, renewal scheduler and dispatch bus into one
// client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/envelope"
	"github.com/nkkko/chatwatch/internal/lifecycle"
	"github.com/nkkko/chatwatch/internal/notifier"
	"github.com/nkkko/chatwatch/internal/scheduler"
	"github.com/nkkko/chatwatch/internal/state"
	"github.com/nkkko/chatwatch/internal/subcache"
	"github.com/nkkko/chatwatch/internal/timer"
	"github.com/nkkko/chatwatch/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains engine configuration, one section per component
type Config struct {
	Transport transport.Config
	Envelope  envelope.Config
	Lifecycle lifecycle.Config
	Scheduler scheduler.Config

	// Drop notifications for subscriptions this client does not track
	FilterForeign bool
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Transport:     transport.DefaultConfig(),
		Envelope:      envelope.DefaultConfig(),
		Lifecycle:     lifecycle.DefaultConfig(),
		Scheduler:     scheduler.DefaultConfig(),
		FilterForeign: true,
	}
}

// Dependencies are the external collaborators of the engine
type Dependencies struct {
	Remote      domain.RemoteAPI
	Credentials domain.CredentialProvider
	Builder     domain.TransportBuilder

	// Store and Partitions back the subscription cache; either may be nil
	Store      domain.KVStore
	Partitions domain.PartitionResolver

	// Accounts, when set, resets the engine whenever the signed-in identity changes
	Accounts domain.AccountNotifier

	// Now defaults to time.Now
	Now func() time.Time
}

// Status is the externally visible state of the engine
type Status struct {
	Connection      string                  `json:"connection"`
	Target          string                  `json:"target,omitempty"`
	Owners          []lifecycle.OwnerStatus `json:"owners"`
	SchedulerHalted bool                    `json:"scheduler_halted"`
	LastError       string                  `json:"last_error,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Engine is the chat subscription client
type Engine struct {
	config     Config
	bus        *notifier.Bus
	cache      *subcache.Cache
	manager    *transport.Manager
	controller *lifecycle.Controller
	scheduler  *scheduler.Scheduler
	timer      *timer.Timer
	status     *state.Store[Status]
	now        func() time.Time
	logger     zerolog.Logger

	unsubscribeAccounts func()
	closeOnce           sync.Once
}

// New creates an engine from its configuration and collaborators
func New(config Config, deps Dependencies) (*Engine, error) {
	if deps.Remote == nil {
		return nil, errors.New("engine: remote API is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("engine: credential provider is required")
	}
	if deps.Builder == nil {
		return nil, errors.New("engine: transport builder is required")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	bus := notifier.NewBus()
	decoder := envelope.NewDecoder(config.Envelope)
	cache := subcache.New(deps.Store, deps.Partitions)
	cache.SetClock(now)
	manager := transport.NewManager(config.Transport, deps.Builder, deps.Credentials, decoder, bus)

	controller := lifecycle.New(config.Lifecycle, lifecycle.Dependencies{
		Remote:     deps.Remote,
		Cache:      cache,
		Connection: manager,
		Bus:        bus,
		Now:        now,
	})
	if config.FilterForeign {
		manager.SetFilter(controller.Tracks)
	}

	schedConfig := config.Scheduler
	if schedConfig.Lifetime <= 0 {
		schedConfig.Lifetime = controller.Config().Lifetime
	}
	tm := timer.New()

	e := &Engine{
		config:     config,
		bus:        bus,
		cache:      cache,
		manager:    manager,
		controller: controller,
		scheduler:  scheduler.New(schedConfig, controller, tm),
		timer:      tm,
		status:     state.NewStore(Status{Connection: transport.StateAbsent.String(), UpdatedAt: now()}),
		now:        now,
		logger:     log.With().Str("component", "engine").Logger(),
	}

	bus.OnAny(e.observe)
	if deps.Accounts != nil {
		e.unsubscribeAccounts = deps.Accounts.SubscribeAccountChanges(e.onAccountChanged)
	}

	return e, nil
}

// Ensure subscribes owner to specs, or to the default specs of its kind
func (e *Engine) Ensure(ctx context.Context, owner domain.OwnerKey, specs []domain.ResourceSpec) error {
	err := e.controller.Ensure(ctx, owner, specs)
	e.scheduler.Resume()
	e.refresh(err)
	return err
}

// SubscribeToChat watches messages, members and properties of a conversation
func (e *Engine) SubscribeToChat(ctx context.Context, chatID string) error {
	return e.Ensure(ctx, domain.ChatOwner(chatID), domain.ChatResourceSpecs(chatID))
}

// SubscribeToUser watches the messages of every conversation of a user
func (e *Engine) SubscribeToUser(ctx context.Context, userID string) error {
	return e.Ensure(ctx, domain.UserOwner(userID), domain.UserResourceSpecs(userID))
}

// Renew renews the subscriptions of owner that are close to expiry
func (e *Engine) Renew(ctx context.Context, owner domain.OwnerKey) error {
	err := e.controller.Renew(ctx, owner)
	e.refresh(err)
	return err
}

// Teardown deletes the subscriptions of owner
func (e *Engine) Teardown(ctx context.Context, owner domain.OwnerKey) error {
	// Timers go before the connection when the last owner leaves
	last := e.isLastOwner(owner)
	if last {
		e.scheduler.Pause()
	}

	err := e.controller.Teardown(ctx, owner)
	if last && len(e.controller.Owners()) > 0 {
		e.scheduler.Resume()
	}
	e.refresh(err)
	return err
}

func (e *Engine) isLastOwner(owner domain.OwnerKey) bool {
	owners := e.controller.Owners()
	switch len(owners) {
	case 0:
		return true
	case 1:
		return owners[0].Owner == owner
	default:
		return false
	}
}

// On registers handler for kind
func (e *Engine) On(kind domain.EventKind, handler notifier.Handler) notifier.HandlerID {
	return e.bus.On(kind, handler)
}

// OnAny registers handler for every event
func (e *Engine) OnAny(handler notifier.Handler) notifier.HandlerID {
	return e.bus.OnAny(handler)
}

// Off removes a handler registered with On or OnAny
func (e *Engine) Off(kind domain.EventKind, id notifier.HandlerID) {
	e.bus.Off(kind, id)
}

// Status returns the current status snapshot
func (e *Engine) Status() Status {
	return e.status.Get()
}

// SubscribeStatus calls fn with every new status
func (e *Engine) SubscribeStatus(fn func(Status)) func() {
	return e.status.Subscribe(fn)
}

// Owner returns the status of one tracked owner
func (e *Engine) Owner(owner domain.OwnerKey) (lifecycle.OwnerStatus, bool) {
	for _, status := range e.controller.Owners() {
		if status.Owner == owner {
			return status, true
		}
	}
	return lifecycle.OwnerStatus{}, false
}

// Connected reports whether the streaming connection is up
func (e *Engine) Connected() bool {
	return e.manager.Connected()
}

// Start runs the renewal scheduler until ctx is done
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting chatwatch engine")
	e.scheduler.Start(ctx)

	unsubscribe := e.status.Subscribe(func(s Status) {
		e.logger.Debug().Str("connection", s.Connection).Int("owners", len(s.Owners)).Msg("Status changed")
	})
	defer unsubscribe()

	<-ctx.Done()
	return nil
}

// Close cancels every timer, then releases the connection. Remote
// subscriptions are kept so a restart can recover them from the cache.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.logger.Info().Msg("Shutting down chatwatch engine")

		if e.unsubscribeAccounts != nil {
			e.unsubscribeAccounts()
		}
		e.scheduler.Stop()
		e.timer.Close()

		if closeErr := e.manager.Close(ctx); closeErr != nil {
			err = fmt.Errorf("failed to close connection: %w", closeErr)
		}
		e.refresh(nil)
	})
	return err
}

// onAccountChanged drops all in-memory state of the previous identity
func (e *Engine) onAccountChanged(partitionID string) {
	e.logger.Info().Str("partition", partitionID).Msg("Account changed, resetting subscriptions")

	e.scheduler.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.manager.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close connection on account change")
	}
	e.controller.Reset()
	e.refresh(nil)
}

// observe keeps the status in step with bus events
func (e *Engine) observe(event domain.Event) {
	switch ev := event.(type) {
	case domain.Connected, domain.Disconnected:
		e.refresh(nil)
	case domain.SubscriptionFailed:
		e.refresh(ev.Err)
	case domain.FatalError:
		e.refresh(ev.Err)
	}
}

func (e *Engine) refresh(err error) {
	owners := e.controller.Owners()
	connection := e.manager.State().String()
	target := e.manager.Target()
	halted := e.scheduler.Halted()
	now := e.now()

	e.status.Apply(func(s Status) Status {
		s.Connection = connection
		s.Target = target
		s.Owners = owners
		s.SchedulerHalted = halted
		s.UpdatedAt = now
		if err != nil {
			s.LastError = err.Error()
		}
		return s
	})
}
