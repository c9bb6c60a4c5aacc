package chunk

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/protocol"
	"github.com/petervdpas/huddle/internal/registry"
	"github.com/petervdpas/huddle/internal/store"
)

type recordSink struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *recordSink) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordSink) Close() {}

func (s *recordSink) all() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.envs...)
}

type fixture struct {
	store  *store.Store
	reg    *registry.Registry
	broker *Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	broker := New(reg, st, dispatch.New(reg, st, nil))
	t.Cleanup(broker.Close)
	return &fixture{store: st, reg: reg, broker: broker}
}

func (f *fixture) user(t *testing.T, username string) *store.User {
	t.Helper()
	u, err := f.store.CreateUser(username, username, "pk")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) connect(t *testing.T, userID, sessionID string) (*registry.Conn, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	c := f.reg.Add(sink)
	c.Bind(&store.Session{ID: sessionID, UserID: userID}, false, nil)
	return c, sink
}

func (f *fixture) channel(t *testing.T, memberIDs ...string) *store.Channel {
	t.Helper()
	ch, err := f.store.CreateChannel(store.ChannelGroup, "room", memberIDs)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestRequestReachesAnOwner(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, alice.ID, bob.ID)

	aConn, _ := f.connect(t, alice.ID, "s1")
	bConn, bobSink := f.connect(t, bob.ID, "s2")

	f.broker.Own(bConn, "h1")
	f.broker.Request(aConn, "h1", "t1", ch.ID)

	envs := bobSink.all()
	if len(envs) != 1 || envs[0].T != protocol.SFileChunkRequest {
		t.Fatalf("expected one SFileChunkRequest at owner, got %v", envs)
	}
	var p protocol.FileChunkRequestOutPayload
	if err := json.Unmarshal(envs[0].D, &p); err != nil {
		t.Fatal(err)
	}
	if p.Hash != "h1" || p.Tag != "t1" || p.UserID != alice.ID || p.ChannelID != ch.ID {
		t.Fatalf("bad request payload: %+v", p)
	}
}

func TestRequestWithoutOwnerDropped(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, alice.ID, bob.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	_, bobSink := f.connect(t, bob.ID, "s2")

	f.broker.Request(aConn, "h1", "t1", ch.ID)

	if len(bobSink.all()) != 0 || len(aliceSink.all()) != 0 {
		t.Fatal("request with no owner must be silently dropped")
	}
}

func TestRequestNeverPicksRequester(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	ch := f.channel(t, alice.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	f.broker.Own(aConn, "h1")

	f.broker.Request(aConn, "h1", "t1", ch.ID)

	if len(aliceSink.all()) != 0 {
		t.Fatal("the requesting connection must not be picked as owner")
	}
}

func TestRequestRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, bob.ID)

	aConn, _ := f.connect(t, alice.ID, "s1")
	bConn, bobSink := f.connect(t, bob.ID, "s2")
	f.broker.Own(bConn, "h1")

	f.broker.Request(aConn, "h1", "t1", ch.ID)

	if len(bobSink.all()) != 0 {
		t.Fatal("non-member request must not reach owners")
	}
}

func TestRelayForwardsBetweenParties(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, alice.ID, bob.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	bConn, bobSink := f.connect(t, bob.ID, "s2")
	f.broker.Own(bConn, "h1")
	f.broker.Request(aConn, "h1", "t1", ch.ID)

	f.broker.Relay(bConn, "h1", "t1", "answer")
	f.broker.Relay(aConn, "h1", "t1", "offer")

	aEnvs := aliceSink.all()
	if len(aEnvs) != 1 || aEnvs[0].T != protocol.SFileChunkRTC {
		t.Fatalf("expected owner's blob at requester, got %v", aEnvs)
	}
	var p protocol.FileChunkRTCOutPayload
	if err := json.Unmarshal(aEnvs[0].D, &p); err != nil {
		t.Fatal(err)
	}
	if p.Data != "answer" || p.UserID != bob.ID || p.ChannelID != ch.ID {
		t.Fatalf("bad relay payload: %+v", p)
	}

	bEnvs := bobSink.all()
	if len(bEnvs) != 2 || bEnvs[1].T != protocol.SFileChunkRTC {
		t.Fatalf("expected requester's blob at owner, got %v", bEnvs)
	}
}

func TestRelayTagsAreIsolated(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	ch := f.channel(t, alice.ID, bob.ID, carol.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	bConn, _ := f.connect(t, bob.ID, "s2")
	cConn, carolSink := f.connect(t, carol.ID, "s3")

	// Two transfers of the same chunk under different tags. Bob serves
	// alice, and carol's transfer must never leak into alice's.
	f.broker.Own(bConn, "h1")
	f.broker.Request(aConn, "h1", "tag-a", ch.ID)
	f.broker.Request(cConn, "h1", "tag-c", ch.ID)

	aliceBefore := len(aliceSink.all())
	f.broker.Relay(bConn, "h1", "tag-c", "for-carol")

	if len(aliceSink.all()) != aliceBefore {
		t.Fatal("relay under another tag must not reach this requester")
	}
	envs := carolSink.all()
	if len(envs) != 1 || envs[0].T != protocol.SFileChunkRTC {
		t.Fatalf("expected relay at carol, got %v", envs)
	}

	// Unknown pairing is dropped without touching live ones.
	f.broker.Relay(bConn, "h1", "no-such-tag", "x")
	if len(carolSink.all()) != 1 || len(aliceSink.all()) != aliceBefore {
		t.Fatal("unknown pairing must be a silent drop")
	}
}

func TestRelayFromNonPartyDropped(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	ch := f.channel(t, alice.ID, bob.ID, carol.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	bConn, bobSink := f.connect(t, bob.ID, "s2")
	cConn, _ := f.connect(t, carol.ID, "s3")
	f.broker.Own(bConn, "h1")
	f.broker.Request(aConn, "h1", "t1", ch.ID)

	bobBefore := len(bobSink.all())
	f.broker.Relay(cConn, "h1", "t1", "intruder")

	if len(aliceSink.all()) != 0 || len(bobSink.all()) != bobBefore {
		t.Fatal("relay from a connection outside the pairing must be dropped")
	}
}

func TestTeardownDropsCorrelations(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch := f.channel(t, alice.ID, bob.ID)

	aConn, aliceSink := f.connect(t, alice.ID, "s1")
	bConn, _ := f.connect(t, bob.ID, "s2")
	f.broker.Own(bConn, "h1")
	f.broker.Request(aConn, "h1", "t1", ch.ID)

	f.broker.Teardown(bConn)

	f.broker.Relay(bConn, "h1", "t1", "late")
	if len(aliceSink.all()) != 0 {
		t.Fatal("relay after teardown must be dropped")
	}
}
