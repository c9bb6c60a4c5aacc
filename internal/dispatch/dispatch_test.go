package dispatch

import (
	"sync"
	"testing"
	"time"

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

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

type fakeRelations struct {
	friends  map[string][]store.Friend
	channels map[string][]store.Channel
}

func (f *fakeRelations) FriendsOf(userID string) ([]store.Friend, error) {
	return f.friends[userID], nil
}

func (f *fakeRelations) ChannelsByMember(userID string) ([]store.Channel, error) {
	return f.channels[userID], nil
}

func addConn(t *testing.T, reg *registry.Registry, userID, sessionID string) (*registry.Conn, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	c := reg.Add(sink)
	c.Bind(&store.Session{ID: sessionID, UserID: userID}, false, nil)
	return c, sink
}

func TestDispatchUserTarget(t *testing.T) {
	reg := registry.New()
	_, sink1 := addConn(t, reg, "u1", "s1")
	_, sink2 := addConn(t, reg, "u1", "s2")
	_, other := addConn(t, reg, "u2", "s3")

	f := New(reg, &fakeRelations{}, nil)
	f.Dispatch(Target{UserID: "u1"}, protocol.Msg(protocol.SCallReset, nil))

	if sink1.count() != 1 || sink2.count() != 1 {
		t.Fatal("both u1 connections must receive the event")
	}
	if other.count() != 0 {
		t.Fatal("u2 must not receive a u1-targeted event")
	}
}

func TestDispatchSessionTarget(t *testing.T) {
	reg := registry.New()
	_, sink1 := addConn(t, reg, "u1", "s1")
	_, sink2 := addConn(t, reg, "u1", "s2")

	f := New(reg, &fakeRelations{}, nil)
	f.Dispatch(Target{SessionID: "s2"}, protocol.Msg(protocol.SCallReset, nil))

	if sink1.count() != 0 || sink2.count() != 1 {
		t.Fatal("session target must hit exactly the one connection")
	}
}

func TestDispatchRelatedExcludesSubject(t *testing.T) {
	reg := registry.New()
	_, self := addConn(t, reg, "u1", "s1")
	_, friend := addConn(t, reg, "u2", "s2")
	_, pending := addConn(t, reg, "u3", "s3")
	_, member := addConn(t, reg, "u4", "s4")

	relations := &fakeRelations{
		friends: map[string][]store.Friend{
			"u1": {
				{User1ID: "u1", User2ID: "u2", Accepted: true},
				{User1ID: "u3", User2ID: "u1", Accepted: false},
			},
		},
		channels: map[string][]store.Channel{
			"u1": {{
				ID: "ch1",
				Users: []store.ChannelUser{
					{UserID: "u1"},
					{UserID: "u2"},
					{UserID: "u4"},
				},
			}},
		},
	}

	f := New(reg, relations, nil)

	t.Run("accepted friends only", func(t *testing.T) {
		f.Dispatch(Target{Related: &Related{UserID: "u1", Friends: true, FriendsAcceptedOnly: true}},
			protocol.Msg(protocol.SForeignUserUpdate, nil))
		if friend.count() != 1 {
			t.Fatal("accepted friend must receive the event")
		}
		if pending.count() != 0 {
			t.Fatal("pending friend must not receive accepted-only fanout")
		}
		if self.count() != 0 {
			t.Fatal("subject user is excluded from related fanout")
		}
	})

	t.Run("channel members deduped with friends", func(t *testing.T) {
		f.Dispatch(Target{Related: &Related{UserID: "u1", Friends: true, ChannelMembers: true}},
			protocol.Msg(protocol.SChannelUserUpdate, nil))
		// u2 is both friend and channel member; exactly one more delivery.
		if friend.count() != 2 {
			t.Fatalf("expected 2 events at u2, got %d", friend.count())
		}
		if member.count() != 1 {
			t.Fatalf("expected 1 event at u4, got %d", member.count())
		}
		if self.count() != 0 {
			t.Fatal("subject user is excluded from related fanout")
		}
	})
}

func TestMemoryBusRoutesBetweenEndpoints(t *testing.T) {
	bus := NewMemoryBus()

	regA := registry.New()
	regB := registry.New()
	_, sinkB := addConn(t, regB, "u1", "s1")

	fa := New(regA, &fakeRelations{}, bus.Endpoint())
	epB := bus.Endpoint()
	fb := New(regB, &fakeRelations{}, epB)
	fb.Joined("u1", "s1")

	// Instance A has no local connection for u1; the backplane carries the
	// event to instance B.
	fa.Dispatch(Target{UserID: "u1"}, protocol.Msg(protocol.SCallReset, nil))

	deadline := time.After(time.Second)
	for sinkB.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event never crossed the backplane")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// After the last connection leaves, the topic is unsubscribed and
	// further events stay away.
	fb.Left("u1", "s1", true, true)
	fa.Dispatch(Target{UserID: "u1"}, protocol.Msg(protocol.SCallReset, nil))
	time.Sleep(50 * time.Millisecond)
	if got := sinkB.count(); got != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestMemoryBusCloseDuringPublish(t *testing.T) {
	bus := NewMemoryBus()
	pub := bus.Endpoint()
	sub := bus.Endpoint()
	if err := sub.Subscribe("user/u1"); err != nil {
		t.Fatal(err)
	}

	// Publishes race the endpoint close; the publisher must never trip
	// over the closing delivery channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			pub.Publish("user/u1", protocol.Msg(protocol.SReset, nil))
		}
	}()

	sub.Close()
	<-done
}

func TestZMQBackplaneCloseEndsDeliveries(t *testing.T) {
	bp, err := NewZMQBackplane("inproc://dispatch-close-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	bp.Close()

	// The receive loop owns the delivery channel and closes it on exit.
	select {
	case _, ok := <-bp.Deliveries():
		if ok {
			t.Fatal("expected a closed deliveries channel, got a delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries channel not closed after Close")
	}
}

func TestMemoryBusSkipsPublisher(t *testing.T) {
	bus := NewMemoryBus()
	reg := registry.New()
	_, sink := addConn(t, reg, "u1", "s1")

	f := New(reg, &fakeRelations{}, bus.Endpoint())
	f.Joined("u1", "s1")

	f.Dispatch(Target{UserID: "u1"}, protocol.Msg(protocol.SCallReset, nil))
	time.Sleep(50 * time.Millisecond)

	// Local delivery once; the published copy must not loop back through
	// our own subscription.
	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", got)
	}
}
