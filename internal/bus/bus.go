// Package bus is the in-process event fan-out: runtime components publish
// turn and task events, and subscribers (the /ws endpoint, tests) receive
// them without coupling to the producers.
package bus

import (
	"sync"
)

// Event is one broadcast payload.
type Event struct {
	Name    string      `json:"name"` // "turn", "task", "shell", "health"
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Broker is the default EventPublisher. Handlers run on the broadcasting
// goroutine; slow subscribers should buffer on their side.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewBroker() *Broker {
	return &Broker{handlers: make(map[string]EventHandler)}
}

func (b *Broker) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

func (b *Broker) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
