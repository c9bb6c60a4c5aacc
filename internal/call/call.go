// Package call tracks which connection carries a user's active call and
// fans call state out to the channel's members.
package call

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("call")

// Store is the slice of the persistent store call handling needs.
type Store interface {
	IsMember(channelID, userID string) (bool, error)
	ChannelByID(id string) (*store.Channel, error)
}

type Manager struct {
	reg      *registry.Registry
	channels Store
	fanout   *dispatch.Fanout
}

func New(reg *registry.Registry, channels Store, fanout *dispatch.Fanout) *Manager {
	return &Manager{reg: reg, channels: channels, fanout: fanout}
}

// Start joins c to the channel's call. A user holds at most one call
// connection, so any prior one is reset first and its members see the
// inCall=false update before anyone sees the new inCall=true.
func (m *Manager) Start(c *registry.Conn, channelID string) {
	userID := c.UserID()

	ok, err := m.channels.IsMember(channelID, userID)
	if err != nil {
		log.Warnw("membership lookup failed", "channel", channelID, "user", userID, "err", err)
		ok = false
	}
	if !ok {
		c.Send(protocol.Msg(protocol.SCallReset, nil))
		return
	}

	if prev := m.reg.UserCallConn(userID); prev != nil {
		m.Reset(prev)
	}

	c.SetCallChannelID(channelID)
	log.Debugw("call started", "channel", channelID, "user", userID)

	m.updateMembers(channelID, userID, true)
}

// Stop leaves the call on c, if any. Safe to call on a connection that is
// not in a call.
func (m *Manager) Stop(c *registry.Conn) {
	m.Reset(c)
}

// Reset clears call state on c and tells the old channel's members the
// user left. Idempotent; used both for explicit stops and for forced
// teardown when the connection closes or the user calls from elsewhere.
func (m *Manager) Reset(c *registry.Conn) {
	channelID, wasSet := c.ClearCall()
	if !wasSet {
		return
	}

	userID := c.UserID()
	log.Debugw("call reset", "channel", channelID, "user", userID)

	c.Send(protocol.Msg(protocol.SCallReset, nil))

	m.updateMembers(channelID, userID, false)
}

// updateMembers pushes the user's inCall state to the channel's other
// non-hidden members. Only that channel's members may learn about the call.
func (m *Manager) updateMembers(channelID, userID string, inCall bool) {
	ch, err := m.channels.ChannelByID(channelID)
	if err != nil {
		log.Warnw("channel lookup failed", "channel", channelID, "err", err)
		return
	}

	env := protocol.Msg(protocol.SChannelUserUpdate, protocol.ChannelUserUpdatePayload{
		ID:        userID,
		ChannelID: channelID,
		InCall:    &inCall,
	})
	for _, member := range ch.Users {
		if member.Hidden || member.UserID == userID {
			continue
		}
		m.fanout.Dispatch(dispatch.Target{UserID: member.UserID}, env)
	}
}

// Relay forwards a signaling blob from c to targetUserID's call connection
// in the same channel. Dropped silently when the sender is not in a call
// or the target has no connection in that call.
func (m *Manager) Relay(c *registry.Conn, targetUserID, data string) {
	channelID := c.CallChannelID()
	if channelID == "" {
		return
	}

	target := m.reg.UserCallConn(targetUserID)
	if target == nil || target.CallChannelID() != channelID {
		return
	}

	target.Send(protocol.Msg(protocol.SCallRTC, protocol.CallRTCOutPayload{
		UserID: c.UserID(),
		Data:   data,
	}))
}
