package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// StreamType distinguishes the independent peer connections a call runs:
// one per local media stream plus one per received remote stream.
type StreamType int

const (
	StreamAudio StreamType = iota
	StreamVideo
	StreamDisplay
	StreamFile
)

// candidate polling bounds: a candidate arriving before its peer exists is
// retried on a short fixed interval, then abandoned.
const (
	candidatePollInterval = 100 * time.Millisecond
	candidatePollTries    = 10
)

type peerKey struct {
	userID string
	stream StreamType
}

// Peers tracks the peer connections of one call, keyed by remote user and
// stream type. Each entry owns its negotiator.
type Peers struct {
	mu    sync.Mutex
	peers map[peerKey]*Peer
}

type Peer struct {
	PC         *webrtc.PeerConnection
	Negotiator *Negotiator
}

func NewPeers() *Peers {
	return &Peers{peers: make(map[peerKey]*Peer)}
}

// Add creates a peer connection for (userID, stream). The initiating side
// passes Impolite; the side reacting to a remote track passes Polite. send
// carries local descriptions to the remote user over signaling.
func (p *Peers) Add(userID string, stream StreamType, role Role, iceServers []webrtc.ICEServer, send func(webrtc.SessionDescription) error) (*Peer, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		PC:         pc,
		Negotiator: NewNegotiator(pc, role, send),
	}

	p.mu.Lock()
	if old, ok := p.peers[peerKey{userID, stream}]; ok {
		old.PC.Close()
	}
	p.peers[peerKey{userID, stream}] = peer
	p.mu.Unlock()

	return peer, nil
}

// Get returns the peer for (userID, stream), or nil.
func (p *Peers) Get(userID string, stream StreamType) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers[peerKey{userID, stream}]
}

// Remove closes and forgets the peer for (userID, stream).
func (p *Peers) Remove(userID string, stream StreamType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[peerKey{userID, stream}]; ok {
		peer.PC.Close()
		delete(p.peers, peerKey{userID, stream})
	}
}

// Close tears down every peer connection.
func (p *Peers) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, peer := range p.peers {
		peer.PC.Close()
		delete(p.peers, k)
	}
}

// AddCandidate routes a remote candidate to its peer, polling a bounded
// number of times for the peer to exist. Candidates can arrive over
// signaling before the local side has reacted to the remote track that
// creates the peer; after the poll window the candidate is dropped.
func (p *Peers) AddCandidate(userID string, stream StreamType, cand webrtc.ICECandidateInit) error {
	for i := 0; i < candidatePollTries; i++ {
		if peer := p.Get(userID, stream); peer != nil {
			return peer.Negotiator.HandleCandidate(cand)
		}
		time.Sleep(candidatePollInterval)
	}
	log.Debugw("candidate dropped, no peer", "user", userID, "stream", int(stream))
	return nil
}

func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}
