// Package notifier fans decoded domain events out to in-process handlers
// and to buffered subscribers such as the local relay.
package notifier

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives events from the bus
type Handler func(event domain.Event)

// HandlerID identifies a registration for Off
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
}

// Bus is a typed publish/subscribe dispatcher. Handlers run synchronously on
// the emitting goroutine in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]registration
	wildcard []registration
	nextID   atomic.Uint64

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[domain.EventKind][]registration),
		logger:   log.With().Str("component", "bus").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// On registers handler for events of kind
func (b *Bus) On(kind domain.EventKind, handler Handler) HandlerID {
	id := HandlerID(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], registration{id: id, handler: handler})
	return id
}

// OnAny registers handler for every event
func (b *Bus) OnAny(handler Handler) HandlerID {
	id := HandlerID(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, registration{id: id, handler: handler})
	return id
}

// Off removes a registration made with On or OnAny. Unknown ids are ignored.
func (b *Bus) Off(kind domain.EventKind, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if regs, ok := b.handlers[kind]; ok {
		b.handlers[kind] = without(regs, id)
		if len(b.handlers[kind]) == 0 {
			delete(b.handlers, kind)
		}
	}
	b.wildcard = without(b.wildcard, id)
}

func without(regs []registration, id HandlerID) []registration {
	out := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// HandlerCount returns the number of handlers an event of kind reaches
func (b *Bus) HandlerCount(kind domain.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind]) + len(b.wildcard)
}

// Emit delivers event to every matching handler. A panicking handler is
// logged and skipped.
func (b *Bus) Emit(event domain.Event) {
	if event == nil {
		return
	}
	kind := event.Kind()

	b.mu.RLock()
	regs := make([]registration, 0, len(b.handlers[kind])+len(b.wildcard))
	regs = append(regs, b.handlers[kind]...)
	regs = append(regs, b.wildcard...)
	b.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	b.metrics.EventsDispatched.WithLabelValues(string(kind)).Inc()

	for _, r := range regs {
		b.call(kind, r, event)
	}
}

func (b *Bus) call(kind domain.EventKind, r registration, event domain.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.metrics.HandlerPanics.WithLabelValues(string(kind)).Inc()
			b.logger.Error().
				Str("kind", string(kind)).
				Uint64("handler_id", uint64(r.id)).
				Str("panic", fmt.Sprint(rec)).
				Msg("Event handler panicked")
		}
	}()
	r.handler(event)
}
