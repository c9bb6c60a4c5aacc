package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
)

const (
	// pingInterval is how often the writer pings. A connection that fails
	// to answer across two intervals is closed.
	pingInterval = 30 * time.Second

	writeWait = 10 * time.Second

	// sendBuffer bounds queued outbound frames per connection. Delivery is
	// best effort; a client too slow to drain its buffer loses frames and
	// reconciles from the next snapshot.
	sendBuffer = 64
)

// wsSink adapts a websocket to the registry's Sink. Writes are serialized
// through the out channel into a single writer goroutine.
type wsSink struct {
	ws  *websocket.Conn
	out chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newSink(ws *websocket.Conn) *wsSink {
	return &wsSink{
		ws:   ws,
		out:  make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame without blocking. A full buffer drops the frame.
func (s *wsSink) Send(env protocol.Envelope) error {
	select {
	case s.out <- env:
		return nil
	case <-s.done:
		return errSinkClosed
	default:
		log.Debugw("send buffer full, dropping frame", "type", env.T.String())
		return nil
	}
}

func (s *wsSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// writePump owns all writes on the socket, including pings. It exits when
// the sink closes, a write fails, or the connection misses two pings; the
// socket close then unblocks the read loop, which runs the unbind cascade.
func (s *wsSink) writePump(c *registry.Conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer s.ws.Close()

	for {
		select {
		case <-s.done:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			s.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case env := <-s.out:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(env); err != nil {
				return
			}

		case <-ping.C:
			if !c.TakeAlive() {
				log.Debugw("connection missed heartbeat", "conn", c.ID)
				return
			}
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
