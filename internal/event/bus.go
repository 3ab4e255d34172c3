// Package event provides an in-process pub/sub bus for protocol events,
// built on watermill's gochannel infrastructure.
//
// The bus is orthogonal to the command/event correlation machinery: it fans
// every emitted event out to observers (the /event SSE endpoint, tests). It
// is an explicit dependency injected into the session manager, never a
// package-level singleton, so tests construct isolated instances.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/pkg/protocol"
)

// Subscriber receives published events.
type Subscriber func(e protocol.Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an in-process publish/subscribe for protocol events.
type Bus struct {
	mu sync.RWMutex

	// Watermill pub/sub kept for middleware/routing and distributed backends.
	pubsub *gochannel.GoChannel

	subscribers map[string][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[string][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for one event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.global {
			if entry.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to all matching subscribers. Subscribers run in
// the caller's goroutine on a snapshot of the list, outside the lock, so
// re-entrant (un)subscribe is safe. A panicking subscriber is isolated and
// logged; it never takes down the publisher or its siblings.
func (b *Bus) Publish(e protocol.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[e.Type])+len(b.global))
	for _, entry := range b.subscribers[e.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, e)
	}
}

func (b *Bus) dispatch(sub Subscriber, e protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("eventType", e.Type).
				Any("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	sub(e)
}

// Stream returns a channel of all events published until ctx ends. The
// subscription is dropped and the channel closed when ctx is cancelled.
// Events are dropped rather than blocking the publisher if the consumer
// falls behind the buffer.
func (b *Bus) Stream(ctx context.Context) <-chan protocol.Event {
	out := make(chan protocol.Event, 64)

	// A Publish may have snapshotted this subscriber just before the
	// unsubscribe, so the done flag (not the unsubscribe) guards the send
	// against the close.
	var mu sync.Mutex
	done := false

	unsub := b.SubscribeAll(func(e protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case out <- e:
		default:
			logging.Warn().Str("eventType", e.Type).Msg("event stream consumer lagging, event dropped")
		}
	})

	go func() {
		<-ctx.Done()
		unsub()
		mu.Lock()
		done = true
		mu.Unlock()
		close(out)
	}()

	return out
}

// Close shuts the bus down; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
