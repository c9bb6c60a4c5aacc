// Package message persists channel messages and fans them out. Bodies and
// keys are ciphertext; the server enforces key coverage and routing, nothing
// else.
package message

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("message")

// ErrNotMember reports a create attempt by a user outside the channel.
var ErrNotMember = errors.New("not a channel member")

// Store is the slice of the persistent store the service needs.
type Store interface {
	IsMember(channelID, userID string) (bool, error)
	CreateMessage(channelID, userID string, typ store.MessageType, body string, keys []store.MessageKey) (*store.Message, error)
}

type Service struct {
	channels Store
	fanout   *dispatch.Fanout
}

func New(channels Store, fanout *dispatch.Fanout) *Service {
	return &Service{channels: channels, fanout: fanout}
}

// Create persists a message and pushes it to every non-hidden member. Each
// recipient's envelope carries only that recipient's wrapped key; the key
// list must cover the non-hidden member set exactly or the store rejects it.
func (s *Service) Create(channelID, userID string, typ store.MessageType, body string, keys []store.MessageKey) (*store.Message, error) {
	ok, err := s.channels.IsMember(channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return nil, ErrNotMember
	}

	msg, err := s.channels.CreateMessage(channelID, userID, typ, body, keys)
	if err != nil {
		return nil, err
	}

	for _, key := range msg.Keys {
		s.fanout.Dispatch(dispatch.Target{UserID: key.UserID},
			protocol.Msg(protocol.SMessageCreate, protocol.MessageCreatePayload{
				ID:        msg.ID,
				ChannelID: msg.ChannelID,
				UserID:    msg.UserID,
				Type:      int(msg.Type),
				Created:   msg.Created,
				Data:      msg.Body,
				Key:       key.Data,
			}))
	}

	log.Debugw("message created", "channel", channelID, "user", userID, "message", msg.ID)
	return msg, nil
}
