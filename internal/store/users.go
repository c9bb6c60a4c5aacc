package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoUser is returned when a user id matches no row.
var ErrNoUser = errors.New("no such user")

func (s *Store) CreateUser(username, name, publicKey string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Name:         name,
		PublicKey:    publicKey,
		WantStatus:   StatusOnline,
		TypingEvents: true,
		Created:      time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO users (id, username, name, public_key, want_status, typing_events, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Name, u.PublicKey, int(u.WantStatus), boolInt(u.TypingEvents), u.Created,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanUser(s.db.QueryRow(
		`SELECT id, username, name, public_key, want_status, typing_events, created
		 FROM users WHERE id = ?`, id,
	))
}

// SetWantStatus records the status a user asks to present. The caller is
// responsible for propagating the presence change.
func (s *Store) SetWantStatus(userID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE users SET want_status = ? WHERE id = ?`, int(status), userID)
	return err
}

func (s *Store) SetTypingEvents(userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE users SET typing_events = ? WHERE id = ?`, boolInt(enabled), userID)
	return err
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var status, typing int
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.PublicKey, &status, &typing, &u.Created)
	if err == sql.ErrNoRows {
		return nil, ErrNoUser
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.WantStatus = Status(status)
	u.TypingEvents = typing != 0
	return &u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
