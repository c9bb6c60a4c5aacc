// Package rtc implements the client half of call and file-transfer peer
// connections: perfect-negotiation glare handling, candidate buffering, and
// chunk streaming over data channels.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("rtc")

// Role decides which side of a negotiated stream yields on glare. The
// initiator of a stream is impolite; the side answering an unsolicited
// remote offer is polite.
type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// PeerConnection is the slice of *webrtc.PeerConnection negotiation needs.
type PeerConnection interface {
	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
}

type negotiationState int

const (
	stateIdle negotiationState = iota
	stateMakingOffer
	stateAwaitingAnswer
)

// ErrOfferIgnored reports that an incoming offer collided with a local one
// and the local side, being impolite, dropped it. The peer's polite side
// rolls back; no recovery is needed here.
var ErrOfferIgnored = errors.New("colliding offer ignored")

// Negotiator runs perfect negotiation for one peer connection. All
// transitions go through the collision predicate; there is no ad hoc flag
// juggling outside it.
type Negotiator struct {
	pc   PeerConnection
	role Role
	send func(webrtc.SessionDescription) error

	mu                  sync.Mutex
	state               negotiationState
	settingRemoteAnswer bool
	pending             []webrtc.ICECandidateInit
}

// NewNegotiator wires a negotiator to a peer connection. send delivers a
// local description to the remote side over the signaling channel.
func NewNegotiator(pc PeerConnection, role Role, send func(webrtc.SessionDescription) error) *Negotiator {
	return &Negotiator{pc: pc, role: role, send: send}
}

func (n *Negotiator) Role() Role { return n.role }

// Negotiate starts (re)negotiation by making an offer. Called from the
// OnNegotiationNeeded handler.
func (n *Negotiator) Negotiate() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = stateMakingOffer
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.state = stateIdle
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.state = stateIdle
		return fmt.Errorf("set local offer: %w", err)
	}
	n.state = stateAwaitingAnswer

	if err := n.send(*n.pc.LocalDescription()); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleDescription applies a remote description. On glare the impolite
// side ignores the incoming offer and returns ErrOfferIgnored; which side
// wins depends only on role assignment, never on arrival order.
func (n *Negotiator) HandleDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if desc.Type == webrtc.SDPTypeOffer {
		readyForOffer := n.state == stateIdle &&
			(n.pc.SignalingState() == webrtc.SignalingStateStable || n.settingRemoteAnswer)
		if !readyForOffer {
			if n.role == Impolite {
				log.Debugw("glare, ignoring remote offer", "role", n.role.String())
				return ErrOfferIgnored
			}
			// Polite side rolls back its own offer implicitly: applying the
			// remote description supersedes the local one.
			n.state = stateIdle
		}

		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		n.flushCandidates()

		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		if err := n.send(*n.pc.LocalDescription()); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}
		return nil
	}

	n.settingRemoteAnswer = true
	err := n.pc.SetRemoteDescription(desc)
	n.settingRemoteAnswer = false
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.state = stateIdle
	n.flushCandidates()
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it if the
// remote description is not set yet.
func (n *Negotiator) HandleCandidate(cand webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc.RemoteDescription() == nil {
		if len(n.pending) >= maxPendingCandidates {
			return errors.New("candidate buffer full")
		}
		n.pending = append(n.pending, cand)
		return nil
	}
	return n.pc.AddICECandidate(cand)
}

const maxPendingCandidates = 32

// flushCandidates applies buffered candidates after a remote description
// lands. Caller holds the lock.
func (n *Negotiator) flushCandidates() {
	for _, cand := range n.pending {
		if err := n.pc.AddICECandidate(cand); err != nil {
			log.Debugw("buffered candidate rejected", "err", err)
		}
	}
	n.pending = nil
}
