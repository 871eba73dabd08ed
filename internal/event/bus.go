// Package event provides the in-process publish/subscribe bus used to fan
// job lifecycle notifications out to other plugins.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// Bus is a topic-based in-process event bus. Handlers run synchronously on
// Publish in subscription order; a panicking handler is recovered and logged
// so remaining handlers still run.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	topics   map[string][]subscription
	wildcard []subscription
	logger   *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for a single topic and returns an
// unsubscribe function.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = removeSubscription(b.topics[topic], id)
	}
}

// SubscribeAll registers a handler for every published event and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSubscription(b.wildcard, id)
	}
}

// Publish delivers the event synchronously to all topic and wildcard
// subscribers. Publishing with no subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, sub := range b.snapshot(event.Topic) {
		b.dispatch(ctx, sub, event)
	}
	return nil
}

// PublishAsync delivers the event on a separate goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	subs := b.snapshot(event.Topic)
	go func() {
		for _, sub := range subs {
			b.dispatch(ctx, sub, event)
		}
	}()
}

// snapshot copies the matching subscriptions so handlers run without holding
// the bus lock.
func (b *Bus) snapshot(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]subscription, 0, len(b.topics[topic])+len(b.wildcard))
	subs = append(subs, b.topics[topic]...)
	subs = append(subs, b.wildcard...)
	return subs
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(ctx, event)
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
