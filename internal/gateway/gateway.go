// Package gateway owns the client-facing websocket: upgrade, auth, the
// per-connection read loop, and the unbind cascade when a connection dies.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/chunk"
	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/message"
	"github.com/petervdpas/huddle/internal/presence"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("gateway")

var errSinkClosed = errors.New("sink closed")

// authTimeout is how long an unauthenticated connection may sit before the
// server closes it.
const authTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Clients connect from desktop shells and arbitrary origins; auth is
	// the token in CStart, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Gateway struct {
	reg      *registry.Registry
	store    *store.Store
	presence *presence.Resolver
	calls    *call.Manager
	chunks   *chunk.Broker
	messages *message.Service
	fanout   *dispatch.Fanout
}

func New(reg *registry.Registry, st *store.Store, pres *presence.Resolver, calls *call.Manager, chunks *chunk.Broker, msgs *message.Service, fanout *dispatch.Fanout) *Gateway {
	return &Gateway{
		reg:      reg,
		store:    st,
		presence: pres,
		calls:    calls,
		chunks:   chunks,
		messages: msgs,
		fanout:   fanout,
	}
}

func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/ws", g.handleSocket)
	mux.HandleFunc("POST /api/channels/{channel}/messages", g.handleCreateMessage)
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sink := newSink(ws)
	c := g.reg.Add(sink)
	log.Debugw("connection opened", "conn", c.ID, "remote", r.RemoteAddr)

	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	go sink.writePump(c)

	authTimer := time.AfterFunc(authTimeout, func() {
		if c.Session() == nil {
			log.Debugw("auth timeout", "conn", c.ID)
			c.Send(protocol.Msg(protocol.SReset, protocol.ResetPayload{Error: "authentication timed out"}))
			sink.Close()
		}
	})
	defer authTimer.Stop()

	g.readLoop(c, sink, r)

	g.unbind(c, sink)
}

func (g *Gateway) readLoop(c *registry.Conn, sink *wsSink, r *http.Request) {
	for {
		_, data, err := sink.ws.ReadMessage()
		if err != nil {
			return
		}
		c.MarkAlive()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		msg, err := protocol.Decode(env)
		if err != nil {
			c.Send(protocol.Msg(protocol.SReset, protocol.ResetPayload{Error: err.Error()}))
			if c.Session() == nil {
				return
			}
			continue
		}

		if start, ok := msg.(*protocol.StartPayload); ok {
			if c.Session() != nil {
				continue
			}
			if !g.handleStart(c, start, r) {
				return
			}
			continue
		}

		// Everything past CStart requires a bound session.
		if c.Session() == nil {
			return
		}

		g.handleAuthed(c, msg)
	}
}

func (g *Gateway) handleAuthed(c *registry.Conn, msg any) {
	switch p := msg.(type) {
	case *protocol.ChannelTypingPayload:
		g.handleTyping(c, p.ID)

	case *protocol.SetAwayPayload:
		c.SetAway(p.Away)
		g.presence.Propagate(c.UserID())

	case *protocol.FileChunkOwnedPayload:
		g.chunks.Own(c, p.Hash)

	case *protocol.FileChunkLostPayload:
		g.chunks.Lose(c, p.Hash)

	case *protocol.FileChunkRequestPayload:
		g.chunks.Request(c, p.Hash, p.Tag, p.ChannelID)

	case *protocol.FileChunkRTCPayload:
		g.chunks.Relay(c, p.Hash, p.Tag, p.Data)

	case *protocol.CallStartPayload:
		g.calls.Start(c, p.ChannelID)

	case *protocol.CallStopPayload:
		g.calls.Stop(c)

	case *protocol.CallRTCPayload:
		g.calls.Relay(c, p.UserID, p.Data)
	}
}

// handleTyping fans a typing signal out to the channel's other non-hidden
// members. Not persisted; a member offline right now simply never sees it.
func (g *Gateway) handleTyping(c *registry.Conn, channelID string) {
	userID := c.UserID()

	ok, err := g.store.IsMember(channelID, userID)
	if err != nil {
		log.Warnw("membership lookup failed", "channel", channelID, "user", userID, "err", err)
		return
	}
	if !ok {
		return
	}

	ch, err := g.store.ChannelByID(channelID)
	if err != nil {
		log.Warnw("channel lookup failed", "channel", channelID, "err", err)
		return
	}

	typing := true
	env := protocol.Msg(protocol.SChannelUserUpdate, protocol.ChannelUserUpdatePayload{
		ID:         userID,
		ChannelID:  channelID,
		LastTyping: &typing,
	})
	for _, member := range ch.Users {
		if member.Hidden || member.UserID == userID {
			continue
		}
		g.fanout.Dispatch(dispatch.Target{UserID: member.UserID}, env)
	}
}

// unbind runs the close cascade. Call state is torn down first so other
// members see the departure, then the registry entry goes away, then
// presence is recomputed without this connection.
func (g *Gateway) unbind(c *registry.Conn, sink *wsSink) {
	g.calls.Reset(c)
	g.chunks.Teardown(c)

	sess := c.Session()
	lastForUser, lastForSession := g.reg.Remove(c)

	if sess != nil {
		g.fanout.Left(sess.UserID, sess.ID, lastForUser, lastForSession)
		g.presence.Propagate(sess.UserID)
	}

	sink.Close()
	log.Debugw("connection closed", "conn", c.ID)
}
