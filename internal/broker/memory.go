package broker

import (
	"context"
	"strings"
	"sync"
)

// Delivery is a message observed by an in-memory subscriber.
type Delivery struct {
	RoutingKey string
	Payload    []byte
}

// Handler consumes a delivery.
type Handler func(context.Context, Delivery) error

type subscription struct {
	pattern []string
	handler Handler
}

// MemoryExchange is an in-process topic exchange. Handlers run synchronously
// inside Publish; handler errors do not fail the publish.
type MemoryExchange struct {
	mu        sync.RWMutex
	subs      []subscription
	available bool
	published []Delivery
}

// NewMemoryExchange returns an available exchange with no subscribers.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{available: true}
}

func (m *MemoryExchange) Start(context.Context) error { return nil }
func (m *MemoryExchange) Stop() error                 { return nil }

// SetAvailable simulates the broker going down or coming back.
func (m *MemoryExchange) SetAvailable(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = up
}

// Subscribe binds handler to a topic pattern. "*" matches one word, "#" zero or more.
func (m *MemoryExchange) Subscribe(pattern string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, subscription{pattern: strings.Split(pattern, "."), handler: handler})
}

func (m *MemoryExchange) Publish(ctx context.Context, routingKey string, payload []byte) error {
	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return ErrUnavailable
	}
	d := Delivery{RoutingKey: routingKey, Payload: append([]byte(nil), payload...)}
	m.published = append(m.published, d)
	words := strings.Split(routingKey, ".")
	var handlers []Handler
	for _, s := range m.subs {
		if topicMatch(s.pattern, words) {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, d)
	}
	return nil
}

// Published returns every accepted delivery in publish order.
func (m *MemoryExchange) Published() []Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Delivery(nil), m.published...)
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}
