// Package registry tracks live client connections and the authenticated
// session bound to each. All lookups snapshot under the lock and iterate
// outside it, so a connection vanishing mid-dispatch is never a fault.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/store"
)

// Sink is the transport half of a connection: the gateway hands the
// registry something it can push frames to and tear down.
type Sink interface {
	Send(env protocol.Envelope) error
	Close()
}

// Conn is one live client connection. Pre-auth it has no session; Bind
// attaches one. All mutable state is guarded by its own mutex so handlers
// on different connections never contend.
type Conn struct {
	ID      string
	Created time.Time

	sink Sink

	mu            sync.Mutex
	session       *store.Session
	away          bool
	alive         bool
	callChannelID string
	chunks        map[string]struct{}
}

// Send pushes a frame to the client. Errors are the transport's problem;
// the read loop will notice a dead socket and unwind.
func (c *Conn) Send(env protocol.Envelope) {
	_ = c.sink.Send(env)
}

// CloseTransport tears down the underlying socket. The read loop's exit
// runs the full unbind cascade.
func (c *Conn) CloseTransport() {
	c.sink.Close()
}

// Bind attaches an authenticated session plus the client's self-reported
// away flag and owned chunk set.
func (c *Conn) Bind(sess *store.Session, away bool, chunkHashes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sess
	c.away = away
	c.chunks = make(map[string]struct{}, len(chunkHashes))
	for _, h := range chunkHashes {
		c.chunks[h] = struct{}{}
	}
}

// Session returns the bound session, or nil pre-auth.
func (c *Conn) Session() *store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// UserID returns the bound user id, or "" pre-auth.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.UserID
}

func (c *Conn) Away() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.away
}

func (c *Conn) SetAway(away bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.away = away
}

// OwnChunk records that the client caches a chunk locally.
func (c *Conn) OwnChunk(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunks == nil {
		c.chunks = map[string]struct{}{}
	}
	c.chunks[hash] = struct{}{}
}

func (c *Conn) DropChunk(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chunks, hash)
}

func (c *Conn) HasChunk(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chunks[hash]
	return ok
}

// CallChannelID returns the channel of the connection's active call, or "".
func (c *Conn) CallChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callChannelID
}

func (c *Conn) SetCallChannelID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callChannelID = id
}

// ClearCall clears the call channel and reports whether one was set, so
// reset stays idempotent.
func (c *Conn) ClearCall() (channelID string, wasSet bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channelID = c.callChannelID
	c.callChannelID = ""
	return channelID, channelID != ""
}

// MarkAlive is called on every pong and inbound frame.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
}

// TakeAlive clears the liveness flag and returns its previous value. The
// heartbeat loop closes connections that were not alive across a full
// interval, which takes two missed pings.
func (c *Conn) TakeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// Registry is the canonical set of live connections. It is injected into
// every component that needs to find connections; nothing reaches for
// process-global state.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a fresh, unauthenticated connection.
func (r *Registry) Add(sink Sink) *Conn {
	c := &Conn{
		ID:      uuid.NewString(),
		Created: time.Now(),
		sink:    sink,
		alive:   true,
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// Remove drops a connection and reports whether it was the last one bound
// to its user and to its session. Idempotent: a second call reports false
// on both. The caller uses the flags to unsubscribe backplane topics only
// when no sibling connection still needs them.
func (r *Registry) Remove(c *Conn) (lastForUser, lastForSession bool) {
	sess := c.Session()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false, false
	}
	delete(r.conns, c.ID)

	if sess == nil {
		return false, false
	}
	lastForUser, lastForSession = true, true
	for _, other := range r.conns {
		os := other.Session()
		if os == nil {
			continue
		}
		if os.UserID == sess.UserID {
			lastForUser = false
		}
		if os.ID == sess.ID {
			lastForSession = false
		}
	}
	return lastForUser, lastForSession
}

// Snapshot returns all live connections at this instant.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ByUser returns every connection bound to the user.
func (r *Registry) ByUser(userID string) []*Conn {
	var out []*Conn
	for _, c := range r.Snapshot() {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

// BySession returns the connection bound to the session, or nil. A session
// is device-scoped, so at most one live connection carries it.
func (r *Registry) BySession(sessionID string) *Conn {
	for _, c := range r.Snapshot() {
		if s := c.Session(); s != nil && s.ID == sessionID {
			return c
		}
	}
	return nil
}

// UserOnline reports whether any live connection is bound to the user.
func (r *Registry) UserOnline(userID string) bool {
	return len(r.ByUser(userID)) > 0
}

// UserCallConn returns the user's connection with an active call, or nil.
// The call state machine enforces at most one.
func (r *Registry) UserCallConn(userID string) *Conn {
	for _, c := range r.ByUser(userID) {
		if c.CallChannelID() != "" {
			return c
		}
	}
	return nil
}
