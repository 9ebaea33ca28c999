package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscriber is one registered channel. A subscriber either follows a
// single topic or, when all is set, every topic on the bus.
type subscriber struct {
	topic string
	ch    chan Event
	all   bool
}

// EventBus fans execution lifecycle events out to subscribers by topic.
// Publishing never blocks: a subscriber that falls behind loses events
// rather than stalling the worker pool.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a channel for events published to topic.
// bufSize <= 0 selects the default buffer of 256.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.register(subscriber{topic: topic}, bufSize)
}

// SubscribeAll registers a channel that receives events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.register(subscriber{all: true}, bufSize)
}

func (b *EventBus) register(sub subscriber, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	sub.ch = make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// Subscribing to a closed bus yields an already-closed channel
		// so readers terminate immediately.
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers event to every subscriber of topic and to all-topic
// subscribers. Full channels drop the event for that subscriber only.
// Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.all && sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
