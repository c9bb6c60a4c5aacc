package message

import (
	"encoding/json"
	"errors"
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
	store *store.Store
	reg   *registry.Registry
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	return &fixture{store: st, reg: reg, svc: New(st, dispatch.New(reg, st, nil))}
}

func (f *fixture) user(t *testing.T, username string) *store.User {
	t.Helper()
	u, err := f.store.CreateUser(username, username, "pk")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func (f *fixture) connect(t *testing.T, userID, sessionID string) *recordSink {
	t.Helper()
	sink := &recordSink{}
	c := f.reg.Add(sink)
	c.Bind(&store.Session{ID: sessionID, UserID: userID}, false, nil)
	return sink
}

func TestCreateDeliversOwnKeyToEachMember(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch, err := f.store.CreateChannel(store.ChannelGroup, "room", []string{alice.ID, bob.ID})
	if err != nil {
		t.Fatal(err)
	}

	aliceSink := f.connect(t, alice.ID, "s1")
	bobSink := f.connect(t, bob.ID, "s2")

	msg, err := f.svc.Create(ch.ID, alice.ID, store.MessageText, "ciphertext", []store.MessageKey{
		{UserID: alice.ID, Data: "key-a"},
		{UserID: bob.ID, Data: "key-b"},
	})
	if err != nil {
		t.Fatal(err)
	}

	check := func(t *testing.T, sink *recordSink, wantKey string) {
		t.Helper()
		envs := sink.all()
		if len(envs) != 1 || envs[0].T != protocol.SMessageCreate {
			t.Fatalf("expected one SMessageCreate, got %v", envs)
		}
		var p protocol.MessageCreatePayload
		if err := json.Unmarshal(envs[0].D, &p); err != nil {
			t.Fatal(err)
		}
		if p.ID != msg.ID || p.UserID != alice.ID || p.Data != "ciphertext" {
			t.Fatalf("bad payload: %+v", p)
		}
		if p.Key != wantKey {
			t.Fatalf("key = %q, want %q", p.Key, wantKey)
		}
	}
	check(t, aliceSink, "key-a")
	check(t, bobSink, "key-b")
}

func TestCreateRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch, err := f.store.CreateChannel(store.ChannelGroup, "room", []string{bob.ID})
	if err != nil {
		t.Fatal(err)
	}

	bobSink := f.connect(t, bob.ID, "s1")

	_, err = f.svc.Create(ch.ID, alice.ID, store.MessageText, "x", []store.MessageKey{
		{UserID: bob.ID, Data: "k"},
	})
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if len(bobSink.all()) != 0 {
		t.Fatal("rejected message must not be delivered")
	}
}

func TestCreateRejectsBadKeyCoverage(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	ch, err := f.store.CreateChannel(store.ChannelGroup, "room", []string{alice.ID, bob.ID})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Create(ch.ID, alice.ID, store.MessageText, "x", []store.MessageKey{
		{UserID: alice.ID, Data: "k"},
	})
	if !errors.Is(err, store.ErrKeyCoverage) {
		t.Fatalf("expected ErrKeyCoverage, got %v", err)
	}
}
