package dispatch

import (
	"sync"

	"github.com/petervdpas/huddle/internal/protocol"
)

// MemoryBus is an in-process backplane fabric with the same semantics as
// the ZeroMQ one: a publish reaches every *other* endpoint that subscribed
// to the topic, never the publisher itself. Used in tests and single-binary
// multi-gateway setups.
type MemoryBus struct {
	mu        sync.Mutex
	endpoints []*memEndpoint
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Endpoint creates a new backplane attachment on the bus.
func (b *MemoryBus) Endpoint() Backplane {
	ep := &memEndpoint{
		bus:        b,
		topics:     map[string]bool{},
		deliveries: make(chan Delivery, 256),
	}
	b.mu.Lock()
	b.endpoints = append(b.endpoints, ep)
	b.mu.Unlock()
	return ep
}

func (b *MemoryBus) route(from *memEndpoint, topic string, env protocol.Envelope) {
	b.mu.Lock()
	eps := make([]*memEndpoint, len(b.endpoints))
	copy(eps, b.endpoints)
	b.mu.Unlock()

	for _, ep := range eps {
		if ep == from {
			continue
		}
		// The send happens under ep.mu so Close cannot slip in between the
		// closed check and the send. The channel is buffered and the send
		// drops on overflow, so the lock is never held on a blocked send.
		ep.mu.Lock()
		if ep.topics[topic] && !ep.closed {
			select {
			case ep.deliveries <- Delivery{Topic: topic, Env: env}:
			default:
			}
		}
		ep.mu.Unlock()
	}
}

type memEndpoint struct {
	bus        *MemoryBus
	mu         sync.Mutex
	topics     map[string]bool
	closed     bool
	deliveries chan Delivery
}

func (e *memEndpoint) Publish(topic string, env protocol.Envelope) error {
	e.bus.route(e, topic, env)
	return nil
}

func (e *memEndpoint) Subscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics[topic] = true
	return nil
}

func (e *memEndpoint) Unsubscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.topics, topic)
	return nil
}

func (e *memEndpoint) Deliveries() <-chan Delivery {
	return e.deliveries
}

func (e *memEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.deliveries)
	}
	return nil
}
