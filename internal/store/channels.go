package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoChannel is returned when a channel id matches no row.
var ErrNoChannel = errors.New("no such channel")

// CreateChannel creates a channel with the given members. The first member
// is the owner.
func (s *Store) CreateChannel(typ ChannelType, name string, memberIDs []string) (*Channel, error) {
	ch := &Channel{
		ID:      uuid.NewString(),
		Type:    typ,
		Name:    name,
		Created: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO channels (id, type, name, created) VALUES (?, ?, ?, ?)`,
		ch.ID, int(ch.Type), ch.Name, ch.Created,
	); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	for i, uid := range memberIDs {
		owner := 0
		if i == 0 {
			owner = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO channel_users (channel_id, user_id, hidden, owner) VALUES (?, ?, 0, ?)`,
			ch.ID, uid, owner,
		); err != nil {
			return nil, fmt.Errorf("insert channel user: %w", err)
		}
		ch.Users = append(ch.Users, ChannelUser{UserID: uid, Owner: owner != 0})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ch, nil
}

// ChannelByID loads a channel with its full member list, hidden members
// included.
func (s *Store) ChannelByID(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ch Channel
	var typ int
	err := s.db.QueryRow(
		`SELECT id, type, name, created FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &typ, &ch.Name, &ch.Created)
	if err == sql.ErrNoRows {
		return nil, ErrNoChannel
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	ch.Type = ChannelType(typ)

	ch.Users, err = s.channelUsers(ch.ID)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) channelUsers(channelID string) ([]ChannelUser, error) {
	rows, err := s.db.Query(
		`SELECT user_id, hidden, owner FROM channel_users WHERE channel_id = ?`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel users: %w", err)
	}
	defer rows.Close()

	var out []ChannelUser
	for rows.Next() {
		var cu ChannelUser
		var hidden, owner int
		if err := rows.Scan(&cu.UserID, &hidden, &owner); err != nil {
			return nil, fmt.Errorf("scan channel user: %w", err)
		}
		cu.Hidden = hidden != 0
		cu.Owner = owner != 0
		out = append(out, cu)
	}
	return out, rows.Err()
}

// ChannelsByMember returns the channels where the user is a non-hidden
// member, each with its full member list.
func (s *Store) ChannelsByMember(userID string) ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT c.id, c.type, c.name, c.created
		 FROM channels c JOIN channel_users cu ON cu.channel_id = c.id
		 WHERE cu.user_id = ? AND cu.hidden = 0`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var typ int
		if err := rows.Scan(&ch.ID, &typ, &ch.Name, &ch.Created); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Type = ChannelType(typ)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Users, err = s.channelUsers(out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsMember reports whether the user is a non-hidden member of the channel.
func (s *Store) IsMember(channelID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM channel_users
		 WHERE channel_id = ? AND user_id = ? AND hidden = 0`,
		channelID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

// SetHidden soft-removes (or restores) a member.
func (s *Store) SetHidden(channelID, userID string, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE channel_users SET hidden = ? WHERE channel_id = ? AND user_id = ?`,
		boolInt(hidden), channelID, userID,
	)
	return err
}
