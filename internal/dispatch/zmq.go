package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/petervdpas/huddle/internal/protocol"
)

// ZMQBackplane is a PUB/SUB backplane over ZeroMQ. Each server instance
// binds one PUB socket and connects its SUB socket to every peer instance's
// PUB endpoint, never its own. Local delivery already happened before the
// publish. Frames are two-part: topic, JSON envelope.
type ZMQBackplane struct {
	pubMu sync.Mutex
	pub   *zmq.Socket

	// The SUB socket is shared between the receive loop and subscription
	// changes; ZeroMQ sockets are not thread-safe, so both go through subMu.
	// A receive timeout keeps the loop from starving Subscribe calls.
	subMu sync.Mutex
	sub   *zmq.Socket

	deliveries chan Delivery
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewZMQBackplane binds the PUB socket on bindAddr (e.g. "tcp://*:7100")
// and connects to each peer PUB endpoint.
func NewZMQBackplane(bindAddr string, peerAddrs []string) (*ZMQBackplane, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("create pub socket: %w", err)
	}
	if err := pub.Bind(bindAddr); err != nil {
		pub.Close()
		return nil, fmt.Errorf("bind %s: %w", bindAddr, err)
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("create sub socket: %w", err)
	}
	if err := sub.SetRcvtimeo(250 * time.Millisecond); err != nil {
		pub.Close()
		sub.Close()
		return nil, fmt.Errorf("set sub timeout: %w", err)
	}
	for _, addr := range peerAddrs {
		if err := sub.Connect(addr); err != nil {
			pub.Close()
			sub.Close()
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
	}

	b := &ZMQBackplane{
		pub:        pub,
		sub:        sub,
		deliveries: make(chan Delivery, 256),
		closed:     make(chan struct{}),
	}
	go b.recvLoop()
	return b, nil
}

func (b *ZMQBackplane) Publish(topic string, env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if _, err := b.pub.SendMessage(topic, raw); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *ZMQBackplane) Subscribe(topic string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return b.sub.SetSubscribe(topic)
}

func (b *ZMQBackplane) Unsubscribe(topic string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return b.sub.SetUnsubscribe(topic)
}

func (b *ZMQBackplane) Deliveries() <-chan Delivery {
	return b.deliveries
}

// recvLoop owns the deliveries channel and closes it on exit, so a send can
// never race a close from another goroutine.
func (b *ZMQBackplane) recvLoop() {
	defer close(b.deliveries)
	for {
		select {
		case <-b.closed:
			return
		default:
		}

		b.subMu.Lock()
		parts, err := b.sub.RecvMessageBytes(0)
		b.subMu.Unlock()
		if err != nil {
			// Timeout: give Subscribe/Unsubscribe a chance at the socket.
			continue
		}
		if len(parts) != 2 {
			log.Debugw("backplane frame with wrong part count", "parts", len(parts))
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(parts[1], &env); err != nil {
			log.Debugw("backplane frame with bad envelope", "err", err)
			continue
		}

		select {
		case b.deliveries <- Delivery{Topic: string(parts[0]), Env: env}:
		default:
			// Fanout is best-effort; a slow consumer drops rather than
			// backing up the backplane.
		}
	}
}

func (b *ZMQBackplane) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.pubMu.Lock()
		b.pub.Close()
		b.pubMu.Unlock()
		b.subMu.Lock()
		b.sub.Close()
		b.subMu.Unlock()
	})
	return nil
}
