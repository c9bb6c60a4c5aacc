package gateway

import (
	"errors"
	"net/http"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

// handleStart authenticates the connection and sends the full snapshot.
// Returns false when the connection must close.
func (g *Gateway) handleStart(c *registry.Conn, p *protocol.StartPayload, r *http.Request) bool {
	if p.Proto != protocol.Proto {
		c.Send(protocol.Msg(protocol.SReset, protocol.ResetPayload{UpdateRequired: true}))
		return false
	}

	sess, err := g.store.SessionByToken(p.Token, r.UserAgent(), remoteIP(r))
	if err != nil {
		if !errors.Is(err, store.ErrNoSession) {
			log.Warnw("session lookup failed", "err", err)
		}
		c.Send(protocol.Msg(protocol.SReset, protocol.ResetPayload{Error: "invalid token"}))
		return false
	}

	c.Bind(sess, p.Away, p.FileChunks)
	g.fanout.Joined(sess.UserID, sess.ID)

	// Every start is visible to the user's other devices, so a stolen
	// token shows up in the session list.
	g.fanout.Dispatch(dispatch.Target{UserID: sess.UserID},
		protocol.Msg(protocol.SSessionUpdate, protocol.SessionUpdatePayload{
			ID:        sess.ID,
			LastStart: sess.LastStart,
		}))

	ready, err := g.buildReady(c)
	if err != nil {
		log.Errorw("snapshot build failed", "user", sess.UserID, "err", err)
		c.Send(protocol.Msg(protocol.SReset, protocol.ResetPayload{Error: "internal error"}))
		return false
	}
	c.Send(protocol.Msg(protocol.SReady, ready))

	g.presence.Propagate(sess.UserID)
	log.Debugw("connection authenticated", "conn", c.ID, "user", sess.UserID, "session", sess.ID)
	return true
}

// buildReady assembles the post-auth snapshot: the user, their sessions,
// friends with presence, and non-hidden channels with live member state.
func (g *Gateway) buildReady(c *registry.Conn) (*protocol.ReadyPayload, error) {
	sess := c.Session()

	user, err := g.store.UserByID(sess.UserID)
	if err != nil {
		return nil, err
	}

	sessions, err := g.store.SessionsByUser(user.ID)
	if err != nil {
		return nil, err
	}
	outSessions := make([]protocol.ReadySession, 0, len(sessions))
	for _, s := range sessions {
		outSessions = append(outSessions, protocol.ReadySession{
			ID:        s.ID,
			Agent:     s.Agent,
			IP:        s.IP,
			Created:   s.Created,
			LastStart: s.LastStart,
			Self:      s.ID == sess.ID,
		})
	}

	friends, err := g.store.FriendsOf(user.ID)
	if err != nil {
		return nil, err
	}
	outFriends := make([]protocol.ReadyFriend, 0, len(friends))
	for _, f := range friends {
		friendID := f.User2ID
		canAccept := false
		if f.User2ID == user.ID {
			friendID = f.User1ID
			// The receiving side of a pending request is the one who may
			// accept it.
			canAccept = !f.Accepted
		}

		friendUser, err := g.store.UserByID(friendID)
		if err != nil {
			return nil, err
		}
		outFriends = append(outFriends, protocol.ReadyFriend{
			ID:        friendUser.ID,
			Username:  friendUser.Username,
			Name:      friendUser.Name,
			PublicKey: friendUser.PublicKey,
			Accepted:  f.Accepted,
			CanAccept: canAccept,
			Status:    int(g.presence.Resolve(friendID, user.ID)),
		})
	}

	channels, err := g.store.ChannelsByMember(user.ID)
	if err != nil {
		return nil, err
	}
	outChannels := make([]protocol.ReadyChannel, 0, len(channels))
	for _, ch := range channels {
		out := protocol.ReadyChannel{
			ID:      ch.ID,
			Type:    int(ch.Type),
			Name:    ch.Name,
			Created: ch.Created,
		}

		for _, member := range ch.Users {
			if member.UserID == user.ID {
				out.Owner = member.Owner
				continue
			}

			memberUser, err := g.store.UserByID(member.UserID)
			if err != nil {
				return nil, err
			}

			callConn := g.reg.UserCallConn(member.UserID)
			out.Users = append(out.Users, protocol.ReadyChannelUser{
				ID:        memberUser.ID,
				Username:  memberUser.Username,
				Name:      memberUser.Name,
				PublicKey: memberUser.PublicKey,
				Hidden:    member.Hidden,
				InCall:    callConn != nil && callConn.CallChannelID() == ch.ID,
				Status:    int(g.presence.Resolve(member.UserID, user.ID)),
			})
		}

		msg, err := g.store.LastMessage(ch.ID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			lm := &protocol.ReadyMessage{
				ID:      msg.ID,
				UserID:  msg.UserID,
				Type:    int(msg.Type),
				Created: msg.Created,
				Data:    msg.Body,
			}
			for _, key := range msg.Keys {
				if key.UserID == user.ID {
					lm.Key = key.Data
				}
			}
			out.LastMessage = lm
		}

		outChannels = append(outChannels, out)
	}

	return &protocol.ReadyPayload{
		Proto: protocol.Proto,
		User: protocol.ReadyUser{
			ID:           user.ID,
			Username:     user.Username,
			Name:         user.Name,
			PublicKey:    user.PublicKey,
			WantStatus:   int(user.WantStatus),
			TypingEvents: user.TypingEvents,
			Created:      user.Created,
		},
		Sessions: outSessions,
		Friends:  outFriends,
		Channels: outChannels,
	}, nil
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
