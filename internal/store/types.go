package store

// Status is a user's visible presence state. The numeric values are part of
// the wire protocol.
type Status int

const (
	StatusOnline Status = iota
	StatusAway
	StatusBusy
	StatusOffline
)

// ChannelType distinguishes 1:1 channels from groups.
type ChannelType int

const (
	ChannelPrivate ChannelType = iota
	ChannelGroup
)

// MessageType values the core accepts; the body is opaque either way.
type MessageType int

const (
	MessageText MessageType = iota
	MessageAttachment
)

type User struct {
	ID           string
	Username     string
	Name         string
	PublicKey    string
	WantStatus   Status
	TypingEvents bool
	Created      int64
}

// Session is a device-bound credential. Token is only present on the value
// returned by CreateSession; the database keeps a digest.
type Session struct {
	ID        string
	Token     string
	UserID    string
	Agent     string
	IP        string
	Created   int64
	LastStart int64
}

type Friend struct {
	User1ID  string
	User2ID  string
	Accepted bool
}

type Channel struct {
	ID      string
	Type    ChannelType
	Name    string
	Created int64
	Users   []ChannelUser
}

type ChannelUser struct {
	UserID string
	Hidden bool
	Owner  bool
}

// MessageKey wraps the message key for one recipient.
type MessageKey struct {
	UserID string
	Data   string
}

type Message struct {
	ID        string
	ChannelID string
	UserID    string
	Type      MessageType
	Body      string
	Keys      []MessageKey
	Created   int64
	Updated   int64
}
