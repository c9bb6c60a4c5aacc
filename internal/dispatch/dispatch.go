// Package dispatch pushes server-generated events to every live connection
// matching a target descriptor. Delivery is best-effort and at-most-once:
// a connection that is offline at dispatch time simply misses the event and
// reconciles from the next full snapshot on reconnect.
package dispatch

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("dispatch")

// Related describes the "everyone who can see this user" target: friends
// and/or fellow channel members, resolved through the store at dispatch
// time.
type Related struct {
	UserID              string
	Friends             bool
	ChannelMembers      bool
	FriendsAcceptedOnly bool
}

// Target selects connections: exactly one of UserID, SessionID or Related
// is set.
type Target struct {
	UserID    string
	SessionID string
	Related   *Related
}

// RelationStore is the slice of the persistent store the fanout needs to
// resolve Related targets.
type RelationStore interface {
	FriendsOf(userID string) ([]store.Friend, error)
	ChannelsByMember(userID string) ([]store.Channel, error)
}

// Fanout resolves targets against the registry and, when a backplane is
// attached, republishes so sibling server instances can deliver to the
// connections they hold.
type Fanout struct {
	reg       *registry.Registry
	relations RelationStore
	backplane Backplane
}

func New(reg *registry.Registry, relations RelationStore, backplane Backplane) *Fanout {
	f := &Fanout{reg: reg, relations: relations, backplane: backplane}
	if backplane != nil {
		go f.consume()
	}
	return f
}

// Dispatch delivers the envelope to all local connections matching the
// target and publishes it on the backplane for remote ones.
func (f *Fanout) Dispatch(t Target, env protocol.Envelope) {
	switch {
	case t.SessionID != "":
		f.deliverSession(t.SessionID, env)
		f.publish(sessionTopic(t.SessionID), env)

	case t.UserID != "":
		f.deliverUser(t.UserID, env)
		f.publish(userTopic(t.UserID), env)

	case t.Related != nil:
		for _, uid := range f.resolveRelated(t.Related) {
			f.deliverUser(uid, env)
			f.publish(userTopic(uid), env)
		}
	}
}

func (f *Fanout) deliverUser(userID string, env protocol.Envelope) {
	for _, c := range f.reg.ByUser(userID) {
		c.Send(env)
	}
}

func (f *Fanout) deliverSession(sessionID string, env protocol.Envelope) {
	if c := f.reg.BySession(sessionID); c != nil {
		c.Send(env)
	}
}

// resolveRelated turns a Related descriptor into a deduplicated user id
// set, excluding the subject user.
func (f *Fanout) resolveRelated(rel *Related) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == rel.UserID || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	if rel.Friends {
		friends, err := f.relations.FriendsOf(rel.UserID)
		if err != nil {
			log.Warnw("resolving friends failed", "user", rel.UserID, "err", err)
		}
		for _, fr := range friends {
			if rel.FriendsAcceptedOnly && !fr.Accepted {
				continue
			}
			if fr.User1ID == rel.UserID {
				add(fr.User2ID)
			} else {
				add(fr.User1ID)
			}
		}
	}

	if rel.ChannelMembers {
		channels, err := f.relations.ChannelsByMember(rel.UserID)
		if err != nil {
			log.Warnw("resolving channels failed", "user", rel.UserID, "err", err)
		}
		for _, ch := range channels {
			for _, cu := range ch.Users {
				if cu.Hidden {
					continue
				}
				add(cu.UserID)
			}
		}
	}
	return out
}

// Joined subscribes the backplane topics for a freshly bound connection.
// Call with the first-connection flags from the registry.
func (f *Fanout) Joined(userID, sessionID string) {
	if f.backplane == nil {
		return
	}
	if err := f.backplane.Subscribe(userTopic(userID)); err != nil {
		log.Warnw("backplane subscribe failed", "topic", userTopic(userID), "err", err)
	}
	if err := f.backplane.Subscribe(sessionTopic(sessionID)); err != nil {
		log.Warnw("backplane subscribe failed", "topic", sessionTopic(sessionID), "err", err)
	}
}

// Left unsubscribes backplane topics after a connection closed. The caller
// passes the last-connection flags from Registry.Remove so a user with a
// second device keeps their subscription.
func (f *Fanout) Left(userID, sessionID string, lastForUser, lastForSession bool) {
	if f.backplane == nil {
		return
	}
	if lastForUser {
		if err := f.backplane.Unsubscribe(userTopic(userID)); err != nil {
			log.Warnw("backplane unsubscribe failed", "topic", userTopic(userID), "err", err)
		}
	}
	if lastForSession {
		if err := f.backplane.Unsubscribe(sessionTopic(sessionID)); err != nil {
			log.Warnw("backplane unsubscribe failed", "topic", sessionTopic(sessionID), "err", err)
		}
	}
}

func (f *Fanout) publish(topic string, env protocol.Envelope) {
	if f.backplane == nil {
		return
	}
	if err := f.backplane.Publish(topic, env); err != nil {
		log.Warnw("backplane publish failed", "topic", topic, "err", err)
	}
}

// consume applies deliveries published by sibling instances to the
// connections this instance holds.
func (f *Fanout) consume() {
	for d := range f.backplane.Deliveries() {
		if uid, ok := parseTopic(d.Topic, "user/"); ok {
			f.deliverUser(uid, d.Env)
			continue
		}
		if sid, ok := parseTopic(d.Topic, "session/"); ok {
			f.deliverSession(sid, d.Env)
		}
	}
}

func userTopic(id string) string    { return "user/" + id }
func sessionTopic(id string) string { return "session/" + id }

func parseTopic(topic, prefix string) (string, bool) {
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):], true
	}
	return "", false
}
