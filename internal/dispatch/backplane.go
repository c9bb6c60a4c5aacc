package dispatch

import "github.com/petervdpas/huddle/internal/protocol"

// Delivery is an envelope received from a sibling server instance.
type Delivery struct {
	Topic string
	Env   protocol.Envelope
}

// Backplane lets any server instance deliver an event to any connection,
// wherever it is held. A single-process deployment runs without one (nil);
// a multi-process one wraps a message broker. Same contract either way.
type Backplane interface {
	Publish(topic string, env protocol.Envelope) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Deliveries() <-chan Delivery
	Close() error
}
