// Package chunk brokers encrypted file chunk transfers. The server never
// sees chunk contents; it matches a requester with a connection that owns
// the chunk and relays the signaling needed to open a direct channel.
package chunk

import (
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("chunk")

// correlationTTL is how long a (hash, tag) pairing survives without relay
// traffic before the sweeper drops it.
const correlationTTL = 10 * time.Second

// Store is the slice of the persistent store the broker needs.
type Store interface {
	IsMember(channelID, userID string) (bool, error)
	ChannelByID(id string) (*store.Channel, error)
}

type corrKey struct {
	hash string
	tag  string
}

type correlation struct {
	requester *registry.Conn
	owner     *registry.Conn
	channelID string
	touched   time.Time
}

type Broker struct {
	reg      *registry.Registry
	channels Store
	fanout   *dispatch.Fanout

	mu    sync.Mutex
	corrs map[corrKey]*correlation
	done  chan struct{}
}

func New(reg *registry.Registry, channels Store, fanout *dispatch.Fanout) *Broker {
	b := &Broker{
		reg:      reg,
		channels: channels,
		fanout:   fanout,
		corrs:    map[corrKey]*correlation{},
		done:     make(chan struct{}),
	}
	go b.sweep()
	return b
}

func (b *Broker) Close() {
	close(b.done)
}

// Own records that c can serve the chunk.
func (b *Broker) Own(c *registry.Conn, hash string) {
	c.OwnChunk(hash)
}

// Lose records that c no longer has the chunk.
func (b *Broker) Lose(c *registry.Conn, hash string) {
	c.DropChunk(hash)
}

// Request asks for a chunk on behalf of c. The owner is picked uniformly
// at random from connections of the channel's members that hold the
// chunk. No owner, or no membership, is a silent drop: the requester's
// client times out on its own.
func (b *Broker) Request(c *registry.Conn, hash, tag, channelID string) {
	userID := c.UserID()

	ok, err := b.channels.IsMember(channelID, userID)
	if err != nil {
		log.Warnw("membership lookup failed", "channel", channelID, "user", userID, "err", err)
		return
	}
	if !ok {
		return
	}

	ch, err := b.channels.ChannelByID(channelID)
	if err != nil {
		log.Warnw("channel lookup failed", "channel", channelID, "err", err)
		return
	}

	var candidates []*registry.Conn
	for _, member := range ch.Users {
		if member.Hidden {
			continue
		}
		for _, mc := range b.reg.ByUser(member.UserID) {
			if mc != c && mc.HasChunk(hash) {
				candidates = append(candidates, mc)
			}
		}
	}
	if len(candidates) == 0 {
		return
	}
	owner := candidates[rand.Intn(len(candidates))]

	b.mu.Lock()
	b.corrs[corrKey{hash, tag}] = &correlation{
		requester: c,
		owner:     owner,
		channelID: channelID,
		touched:   time.Now(),
	}
	b.mu.Unlock()

	owner.Send(protocol.Msg(protocol.SFileChunkRequest, protocol.FileChunkRequestOutPayload{
		Hash:      hash,
		Tag:       tag,
		UserID:    userID,
		ChannelID: channelID,
	}))
}

// Relay forwards a signaling blob between the two ends of a correlation.
// The blob goes to whichever end c is not; anything without a live
// correlation, or from a connection that is not a party to it, is dropped.
func (b *Broker) Relay(c *registry.Conn, hash, tag, data string) {
	b.mu.Lock()
	corr, ok := b.corrs[corrKey{hash, tag}]
	if ok {
		corr.touched = time.Now()
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	var peer *registry.Conn
	switch c {
	case corr.requester:
		peer = corr.owner
	case corr.owner:
		peer = corr.requester
	default:
		return
	}

	peer.Send(protocol.Msg(protocol.SFileChunkRTC, protocol.FileChunkRTCOutPayload{
		Hash:      hash,
		Tag:       tag,
		Data:      data,
		UserID:    c.UserID(),
		ChannelID: corr.channelID,
	}))
}

// Teardown drops every correlation c is a party to. Called when the
// connection closes.
func (b *Broker) Teardown(c *registry.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, corr := range b.corrs {
		if corr.requester == c || corr.owner == c {
			delete(b.corrs, k)
		}
	}
}

func (b *Broker) sweep() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-t.C:
			b.mu.Lock()
			for k, corr := range b.corrs {
				if now.Sub(corr.touched) > correlationTTL {
					delete(b.corrs, k)
				}
			}
			b.mu.Unlock()
		}
	}
}
