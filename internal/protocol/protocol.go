// Package protocol defines the wire envelope and message catalog for the
// gateway socket. Every frame is {"t": <type>, "d": <payload>}; payloads are
// decoded at the boundary into typed structs so handlers never touch raw JSON.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Proto is the current socket protocol revision. Clients announcing an older
// revision in CStart get a reset with updateRequired set.
const Proto = 5

// MaxRelayPayload caps the opaque data field of call/file-chunk relays.
const MaxRelayPayload = 10 * 1024

// Type identifies a socket message. Client→server types are prefixed C,
// server→client types S.
type Type int

const (
	CStart Type = iota
	CChannelTyping
	CFileChunkOwned
	CFileChunkLost
	CFileChunkRequest
	CFileChunkRTC
	CCallStart
	CCallStop
	CCallRTC
	CSetAway
	SReset
	SReady
	SSessionUpdate
	SChannelUserUpdate
	SForeignUserUpdate
	SMessageCreate
	SFileChunkRequest
	SFileChunkRTC
	SCallReset
	SCallRTC
)

var typeNames = map[Type]string{
	CStart:             "CStart",
	CChannelTyping:     "CChannelTyping",
	CFileChunkOwned:    "CFileChunkOwned",
	CFileChunkLost:     "CFileChunkLost",
	CFileChunkRequest:  "CFileChunkRequest",
	CFileChunkRTC:      "CFileChunkRTC",
	CCallStart:         "CCallStart",
	CCallStop:          "CCallStop",
	CCallRTC:           "CCallRTC",
	CSetAway:           "CSetAway",
	SReset:             "SReset",
	SReady:             "SReady",
	SSessionUpdate:     "SSessionUpdate",
	SChannelUserUpdate: "SChannelUserUpdate",
	SForeignUserUpdate: "SForeignUserUpdate",
	SMessageCreate:     "SMessageCreate",
	SFileChunkRequest:  "SFileChunkRequest",
	SFileChunkRTC:      "SFileChunkRTC",
	SCallReset:         "SCallReset",
	SCallRTC:           "SCallRTC",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Envelope is the wire frame. D is left raw on receive and decoded per type.
type Envelope struct {
	T Type            `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// Msg builds an outbound envelope, marshaling the payload immediately so a
// send failure surfaces at the call site rather than inside the writer.
func Msg(t Type, d any) Envelope {
	if d == nil {
		return Envelope{T: t}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		// Payload structs are plain data; this only fires on a programming
		// error, and an empty frame is still a valid reset/stop signal.
		return Envelope{T: t}
	}
	return Envelope{T: t, D: raw}
}

// Client→server payloads.

type StartPayload struct {
	Proto      int      `json:"proto"`
	Token      string   `json:"token"`
	Away       bool     `json:"away"`
	FileChunks []string `json:"fileChunks"`
}

type ChannelTypingPayload struct {
	ID string `json:"id"`
}

type FileChunkOwnedPayload struct {
	Hash string `json:"hash"`
}

type FileChunkLostPayload struct {
	Hash string `json:"hash"`
}

type FileChunkRequestPayload struct {
	Hash      string `json:"hash"`
	Tag       string `json:"tag"`
	ChannelID string `json:"channelId"`
}

type FileChunkRTCPayload struct {
	Hash string `json:"hash"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

type CallStartPayload struct {
	ChannelID string `json:"channelId"`
}

// CallStopPayload has no fields; CCallStop carries no payload.
type CallStopPayload struct{}

type CallRTCPayload struct {
	UserID string `json:"userId"`
	Data   string `json:"data"`
}

type SetAwayPayload struct {
	Away bool `json:"away"`
}

// Server→client payloads.

type ResetPayload struct {
	Error          string `json:"error,omitempty"`
	UpdateRequired bool   `json:"updateRequired,omitempty"`
}

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	LastStart int64  `json:"lastStart,omitempty"`
}

// ChannelUserUpdatePayload carries the mutable per-member fields. Pointer
// fields are omitted when the update doesn't touch them, so a typing ping
// never clobbers call state on the client.
type ChannelUserUpdatePayload struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channelId"`
	InCall     *bool  `json:"inCall,omitempty"`
	LastTyping *bool  `json:"lastTyping,omitempty"`
}

type ForeignUserUpdatePayload struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type MessageCreatePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Type      int    `json:"type"`
	Created   int64  `json:"created"`
	Data      string `json:"data,omitempty"`
	Key       string `json:"key,omitempty"`
}

type FileChunkRequestOutPayload struct {
	Hash      string `json:"hash"`
	Tag       string `json:"tag"`
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

type FileChunkRTCOutPayload struct {
	Hash      string `json:"hash"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

type CallRTCOutPayload struct {
	UserID string `json:"userId"`
	Data   string `json:"data"`
}

// ReadyPayload is the full post-auth snapshot. Every piece of pushed state
// is representable here so a reconnecting client self-heals by replacing
// its world with the snapshot.
type ReadyPayload struct {
	Proto    int            `json:"proto"`
	User     ReadyUser      `json:"user"`
	Sessions []ReadySession `json:"sessions"`
	Friends  []ReadyFriend  `json:"friends"`
	Channels []ReadyChannel `json:"channels"`
}

type ReadyUser struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	PublicKey    string `json:"publicKey"`
	WantStatus   int    `json:"wantStatus"`
	TypingEvents bool   `json:"typingEvents"`
	Created      int64  `json:"created"`
}

type ReadySession struct {
	ID        string `json:"id"`
	Agent     string `json:"agent"`
	IP        string `json:"ip"`
	Created   int64  `json:"created"`
	LastStart int64  `json:"lastStart"`
	Self      bool   `json:"self"`
}

type ReadyFriend struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Accepted  bool   `json:"accepted"`
	CanAccept bool   `json:"canAccept"`
	Status    int    `json:"status"`
}

type ReadyChannel struct {
	ID          string             `json:"id"`
	Type        int                `json:"type"`
	Name        string             `json:"name,omitempty"`
	Owner       bool               `json:"owner"`
	Created     int64              `json:"created"`
	Users       []ReadyChannelUser `json:"users"`
	LastMessage *ReadyMessage      `json:"lastMessage,omitempty"`
}

type ReadyChannelUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Hidden    bool   `json:"hidden"`
	InCall    bool   `json:"inCall"`
	Status    int    `json:"status"`
}

type ReadyMessage struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Type    int    `json:"type"`
	Created int64  `json:"created"`
	Data    string `json:"data,omitempty"`
	Key     string `json:"key,omitempty"`
}
