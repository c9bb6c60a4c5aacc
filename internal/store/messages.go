package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrKeyCoverage is returned when a message's wrapped-key list does not
// exactly cover the channel's non-hidden members. The server cannot decrypt
// anything, so exact coverage is the one structural check it can make.
var ErrKeyCoverage = errors.New("message keys must cover exactly the visible member set")

// CreateMessage validates key coverage and persists the message. Body and
// keys are opaque base64 blobs.
func (s *Store) CreateMessage(channelID, userID string, typ MessageType, body string, keys []MessageKey) (*Message, error) {
	ch, err := s.ChannelByID(channelID)
	if err != nil {
		return nil, err
	}

	visible := map[string]bool{}
	for _, cu := range ch.Users {
		if !cu.Hidden {
			visible[cu.UserID] = true
		}
	}
	if len(keys) != len(visible) {
		return nil, ErrKeyCoverage
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if !visible[k.UserID] || seen[k.UserID] {
			return nil, ErrKeyCoverage
		}
		seen[k.UserID] = true
	}

	m := &Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		Type:      typ,
		Body:      body,
		Keys:      keys,
		Created:   time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (id, channel_id, user_id, type, body, created) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.UserID, int(m.Type), m.Body, m.Created,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	for _, k := range keys {
		if _, err := tx.Exec(
			`INSERT INTO message_keys (message_id, user_id, data) VALUES (?, ?, ?)`,
			m.ID, k.UserID, k.Data,
		); err != nil {
			return nil, fmt.Errorf("insert message key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// LastMessage returns the newest message in a channel with its key list, or
// nil when the channel has none.
func (s *Store) LastMessage(channelID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Message
	var typ int
	var body sql.NullString
	var updated sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, channel_id, user_id, type, body, created, updated
		 FROM messages WHERE channel_id = ? ORDER BY created DESC LIMIT 1`,
		channelID,
	).Scan(&m.ID, &m.ChannelID, &m.UserID, &typ, &body, &m.Created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last message: %w", err)
	}
	m.Type = MessageType(typ)
	m.Body = body.String
	m.Updated = updated.Int64

	rows, err := s.db.Query(`SELECT user_id, data FROM message_keys WHERE message_id = ?`, m.ID)
	if err != nil {
		return nil, fmt.Errorf("query message keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k MessageKey
		if err := rows.Scan(&k.UserID, &k.Data); err != nil {
			return nil, fmt.Errorf("scan message key: %w", err)
		}
		m.Keys = append(m.Keys, k)
	}
	return &m, rows.Err()
}
