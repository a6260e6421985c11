package cache

import (
	"log/slog"
	"sync"
)

// Bus maps invalidation topics to subscriber callbacks. Topics are
// created lazily on first subscription; a topic with no subscribers is
// inert. Notify runs subscribers synchronously.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[int]func()
	nextID int

	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[int]func()),
		logger: logger.With(slog.String("component", "invalidation_bus")),
	}
}

// Subscribe registers fn for topic and returns its unsubscribe function.
func (b *Bus) Subscribe(topic string, fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int]func())
		b.topics[topic] = subs
	}
	id := b.nextID
	b.nextID++
	subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(subs, id)
	}
}

// Notify invokes every current subscriber of topic exactly once. A panic
// in one subscriber does not suppress delivery to the others.
func (b *Bus) Notify(topic string) {
	b.mu.Lock()
	subs := b.topics[topic]
	fns := make([]func(), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.invoke(topic, fn)
	}
}

func (b *Bus) invoke(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked during notify",
				slog.String("topic", topic), slog.Any("panic", r))
		}
	}()
	fn()
}

// SubscriberCount reports how many callbacks are registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
