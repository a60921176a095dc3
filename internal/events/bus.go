package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Topic names one event stream on the bus. Topics are created ad hoc by
// publishing or subscribing; there is no registration step.
type Topic string

// Core topics wired at startup.
const (
	TopicCaptionUpdated Topic = "caption.updated"
	TopicVolumeLevel    Topic = "volume.level"
	TopicSourceStatus   Topic = "source.status"
	TopicSessionEnded   Topic = "session.ended"
	TopicOverlayToggled Topic = "overlay.toggled"
)

// Handler receives one published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(payload any)

// Subscription is the token returned by Subscribe. Cancelling it detaches
// the handler; cancelling twice is safe.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uuid.UUID

	once sync.Once
}

// Cancel detaches the subscription's handler from its topic.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
	})
}

// Bus routes typed-topic events from publishers to subscribed handlers.
// Delivery is synchronous and ordered per publisher; subscribers needing
// isolation hand off to their own goroutine.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[Topic]map[uuid.UUID]Handler

	// Statistics
	published uint64
	delivered uint64
	dropped   uint64
}

// BusStats is a point-in-time snapshot of the bus counters.
type BusStats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Topics      int    `json:"topics"`
	Subscribers int    `json:"subscribers"`
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[Topic]map[uuid.UUID]Handler),
	}
}

// Subscribe attaches a handler to a topic and returns its cancellation
// token.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	id := uuid.New()

	b.mu.Lock()
	handlers, ok := b.topics[topic]
	if !ok {
		handlers = make(map[uuid.UUID]Handler)
		b.topics[topic] = handlers
	}
	handlers[id] = handler
	b.mu.Unlock()

	b.logger.Debug("Subscribed to topic",
		slog.String("topic", string(topic)),
		slog.String("subscription_id", id.String()))

	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers the payload to every handler of the topic and returns
// the delivery count. A topic with no subscribers drops the event.
func (b *Bus) Publish(topic Topic, payload any) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.published++
	if len(handlers) == 0 {
		b.dropped++
	} else {
		b.delivered += uint64(len(handlers))
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return len(handlers)
}

func (b *Bus) remove(topic Topic, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(b.topics, topic)
	}
}

// SubscriberCount reports the number of handlers attached to a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// GetStats returns a snapshot of the bus counters.
func (b *Bus) GetStats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := 0
	for _, handlers := range b.topics {
		subscribers += len(handlers)
	}
	return BusStats{
		Published:   b.published,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Topics:      len(b.topics),
		Subscribers: subscribers,
	}
}
