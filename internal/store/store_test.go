package store

import (
	"errors"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkUser(t *testing.T, s *Store, username string) *User {
	t.Helper()
	u, err := s.CreateUser(username, username, "pk-"+username)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestSessionTokenLookup(t *testing.T) {
	s := openTest(t)
	u := mkUser(t, s, "alice")

	sess, err := s.CreateSession(u.ID, "agent-a", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Token == "" {
		t.Fatal("expected raw token on created session")
	}

	got, err := s.SessionByToken(sess.Token, "agent-b", "10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID || got.UserID != u.ID {
		t.Fatalf("wrong session: %+v", got)
	}
	if got.Agent != "agent-b" || got.IP != "10.0.0.2" {
		t.Fatalf("expected stamped client metadata, got %+v", got)
	}

	if _, err := s.SessionByToken("bm9wZQ", "", ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	// Junk that is not even base64url.
	if _, err := s.SessionByToken("!!!", "", ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestFriendAcceptedEitherDirection(t *testing.T) {
	s := openTest(t)
	a := mkUser(t, s, "alice")
	b := mkUser(t, s, "bob")

	if err := s.CreateFriend(a.ID, b.ID, false); err != nil {
		t.Fatal(err)
	}

	ok, err := s.FriendAccepted(a.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pending edge must not count as accepted")
	}

	// Accept from the receiving side.
	if err := s.AcceptFriend(b.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	for _, pair := range [][2]string{{a.ID, b.ID}, {b.ID, a.ID}} {
		ok, err := s.FriendAccepted(pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected accepted edge for %v", pair)
		}
	}
}

func TestChannelMembership(t *testing.T) {
	s := openTest(t)
	a := mkUser(t, s, "alice")
	b := mkUser(t, s, "bob")
	c := mkUser(t, s, "carol")

	ch, err := s.CreateChannel(ChannelGroup, "room", []string{a.ID, b.ID, c.ID})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ChannelByID(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Users) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got.Users))
	}
	owners := 0
	for _, cu := range got.Users {
		if cu.Owner {
			owners++
			if cu.UserID != a.ID {
				t.Fatalf("expected first member as owner, got %s", cu.UserID)
			}
		}
	}
	if owners != 1 {
		t.Fatalf("expected exactly one owner, got %d", owners)
	}

	ok, err := s.IsMember(ch.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("bob should be a member")
	}

	// Hidden members stop counting.
	if err := s.SetHidden(ch.ID, b.ID, true); err != nil {
		t.Fatal(err)
	}
	ok, err = s.IsMember(ch.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("hidden member must not count as member")
	}

	channels, err := s.ChannelsByMember(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 0 {
		t.Fatalf("hidden membership should not list the channel, got %d", len(channels))
	}
}

func TestMessageKeyCoverage(t *testing.T) {
	s := openTest(t)
	a := mkUser(t, s, "alice")
	b := mkUser(t, s, "bob")
	c := mkUser(t, s, "carol")

	ch, err := s.CreateChannel(ChannelGroup, "room", []string{a.ID, b.ID, c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetHidden(ch.ID, c.ID, true); err != nil {
		t.Fatal(err)
	}

	// Visible members are alice and bob; carol's key must be absent.
	cases := []struct {
		name string
		keys []MessageKey
		ok   bool
	}{
		{"exact coverage", []MessageKey{{a.ID, "ka"}, {b.ID, "kb"}}, true},
		{"missing key", []MessageKey{{a.ID, "ka"}}, false},
		{"hidden member key", []MessageKey{{a.ID, "ka"}, {c.ID, "kc"}}, false},
		{"duplicate key", []MessageKey{{a.ID, "ka"}, {a.ID, "ka2"}}, false},
		{"extra key", []MessageKey{{a.ID, "ka"}, {b.ID, "kb"}, {c.ID, "kc"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateMessage(ch.ID, a.ID, MessageText, "body", tc.keys)
			if tc.ok && err != nil {
				t.Fatal(err)
			}
			if !tc.ok && !errors.Is(err, ErrKeyCoverage) {
				t.Fatalf("expected ErrKeyCoverage, got %v", err)
			}
		})
	}
}

func TestLastMessage(t *testing.T) {
	s := openTest(t)
	a := mkUser(t, s, "alice")
	b := mkUser(t, s, "bob")

	ch, err := s.CreateChannel(ChannelPrivate, "", []string{a.ID, b.ID})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.LastMessage(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected no last message, got %+v", got)
	}

	keys := []MessageKey{{a.ID, "ka"}, {b.ID, "kb"}}
	if _, err := s.CreateMessage(ch.ID, a.ID, MessageText, "first", keys); err != nil {
		t.Fatal(err)
	}
	want, err := s.CreateMessage(ch.ID, b.ID, MessageText, "second", keys)
	if err != nil {
		t.Fatal(err)
	}
	// Same-millisecond creates can tie on the sort column.
	if want.Created == 0 {
		t.Fatal("expected created timestamp")
	}

	got, err = s.LastMessage(ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Body == "" {
		t.Fatal("expected a last message")
	}
	if len(got.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got.Keys))
	}
}
