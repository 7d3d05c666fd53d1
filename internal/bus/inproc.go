package bus

import (
	"sync"
)

// Inproc is an in-memory Bus for single-process deployments and tests.
// Delivery is synchronous: Publish invokes every matching handler before
// returning, which keeps tests deterministic.
type Inproc struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	next   int
	closed bool
}

// NewInproc returns an empty in-process bus.
func NewInproc() *Inproc {
	return &Inproc{topics: make(map[string]map[int]Handler)}
}

// Publish delivers the event to every handler subscribed to the topic.
// Handlers run on the caller's goroutine; they may re-enter the bus.
func (b *Inproc) Publish(topic string, evt Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (b *Inproc) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.topics[topic][id] = h

	return &inprocSubscription{bus: b, topic: topic, id: id}, nil
}

// Close drops all subscriptions.
func (b *Inproc) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]map[int]Handler)
	b.closed = true
}

type inprocSubscription struct {
	bus   *Inproc
	topic string
	id    int
}

func (s *inprocSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if handlers, ok := s.bus.topics[s.topic]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	return nil
}
