package notifier

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Frame is an event as delivered to buffered subscribers
type Frame struct {
	ID   string           `json:"id"`
	Kind domain.EventKind `json:"kind"`
	Time time.Time        `json:"time"`
	Data domain.Event     `json:"data"`
}

// NewFrame wraps event in a frame stamped with a fresh id
func NewFrame(event domain.Event) *Frame {
	return &Frame{
		ID:   uuid.New().String(),
		Kind: event.Kind(),
		Time: time.Now().UTC(),
		Data: event,
	}
}

// BroadcastBuffer batches frames and fans them out to subscriber channels.
// Slow subscribers lose frames instead of blocking the publisher.
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *Frame
	subscribersLock sync.RWMutex
	closed          bool

	currentBuffer     []*Frame
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *Frame),
		currentBuffer: make([]*Frame, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber with a channel of the given capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan *Frame {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	channel := make(chan *Frame, buffer)
	if b.closed {
		close(channel)
		return channel
	}

	if old, ok := b.subscribers[id]; ok {
		close(old)
	} else {
		b.metrics.NotifierConnectionsActive.Inc()
	}
	b.subscribers[id] = channel

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.NotifierConnectionsActive.Dec()
	}
}

// SubscriberCount returns the number of live subscribers
func (b *BroadcastBuffer) SubscriberCount() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish queues a frame for the next flush
func (b *BroadcastBuffer) Publish(frame *Frame) {
	b.currentBufferLock.Lock()
	b.currentBuffer = append(b.currentBuffer, frame)
	full := len(b.currentBuffer) >= b.bufferSize
	b.currentBufferLock.Unlock()

	if full {
		select {
		case b.forceFlush <- struct{}{}:
		default:
		}
	}
}

// PublishEvent wraps event in a frame and queues it
func (b *BroadcastBuffer) PublishEvent(event domain.Event) {
	b.Publish(NewFrame(event))
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush sends buffered frames to all subscribers
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*Frame, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Sends are non-blocking so the read lock is held for the whole fan-out
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	start := time.Now()
	delivered := 0
	skipped := 0

	for id, ch := range b.subscribers {
		sent := 0
		dropped := 0
		for _, frame := range buffer {
			select {
			case ch <- frame:
				sent++
			default:
				dropped++
			}
		}
		if dropped > 0 {
			log.Warn().
				Str("component", "broadcast").
				Str("subscriber_id", id).
				Int("dropped", dropped).
				Msg("Subscriber channel is full, dropping events")
		}
		delivered += sent
		skipped += dropped
		b.metrics.NotifierEventsPublished.WithLabelValues("broadcast").Add(float64(sent))
	}

	delay := time.Since(start).Seconds()
	b.metrics.NotifierEventDelay.Observe(delay)

	if delay > 0.1 {
		log.Warn().
			Str("component", "broadcast").
			Float64("delay_seconds", delay).
			Int("events", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close flushes pending frames and closes every subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.subscribersLock.Lock()
	if b.closed {
		b.subscribersLock.Unlock()
		return nil
	}
	b.closed = true
	b.subscribersLock.Unlock()

	close(b.close)
	<-b.done

	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.NotifierConnectionsActive.Dec()
	}

	return nil
}
