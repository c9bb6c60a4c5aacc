// Package presence computes a user's visible status for an observer from
// live connections, friendship state and the user's wanted status.
package presence

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("presence")

// Store is the slice of the persistent store presence needs.
type Store interface {
	UserByID(id string) (*store.User, error)
	FriendAccepted(aID, bID string) (bool, error)
}

type Resolver struct {
	reg    *registry.Registry
	users  Store
	fanout *dispatch.Fanout
}

func New(reg *registry.Registry, users Store, fanout *dispatch.Fanout) *Resolver {
	return &Resolver{reg: reg, users: users, fanout: fanout}
}

// Resolve computes the status of target as seen by observer. An empty
// observer means "unfiltered" (used when the recipients are already known
// to be accepted friends). Presence is friend-gated: without an accepted
// edge an observer sees Offline no matter what.
func (r *Resolver) Resolve(targetUserID, observerUserID string) store.Status {
	conns := r.reg.ByUser(targetUserID)
	if len(conns) == 0 {
		return store.StatusOffline
	}

	if observerUserID != "" && observerUserID != targetUserID {
		ok, err := r.users.FriendAccepted(targetUserID, observerUserID)
		if err != nil {
			log.Warnw("friend edge lookup failed", "target", targetUserID, "observer", observerUserID, "err", err)
			return store.StatusOffline
		}
		if !ok {
			return store.StatusOffline
		}
	}

	user, err := r.users.UserByID(targetUserID)
	if err != nil {
		log.Warnw("user lookup failed", "user", targetUserID, "err", err)
		return store.StatusOffline
	}

	// A user who wants Online but is away on every device shows Away.
	if user.WantStatus == store.StatusOnline {
		allAway := true
		for _, c := range conns {
			if !c.Away() {
				allAway = false
				break
			}
		}
		if allAway {
			return store.StatusAway
		}
	}

	return user.WantStatus
}

// Propagate pushes the user's current status to all accepted friends. Call
// whenever a connection binds or unbinds for the user, or the user's away
// flag or wanted status changes.
func (r *Resolver) Propagate(userID string) {
	status := r.Resolve(userID, "")
	r.fanout.Dispatch(dispatch.Target{
		Related: &dispatch.Related{
			UserID:              userID,
			Friends:             true,
			FriendsAcceptedOnly: true,
		},
	}, protocol.Msg(protocol.SForeignUserUpdate, protocol.ForeignUserUpdatePayload{
		ID:     userID,
		Status: int(status),
	}))
}
