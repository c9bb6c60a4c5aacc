package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ErrNoSession is returned when a token matches no session.
var ErrNoSession = errors.New("no such session")

// tokenDigest hashes an opaque client token for lookup. Tokens are never
// stored raw.
func tokenDigest(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CreateSession mints a session for a user and returns it with the raw token
// set. This is the only time the token is available.
func (s *Store) CreateSession(userID, agent, ip string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest, err := tokenDigest(token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	sess := &Session{
		ID:        uuid.NewString(),
		Token:     token,
		UserID:    userID,
		Agent:     agent,
		IP:        ip,
		Created:   now,
		LastStart: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, token_digest, user_id, agent, ip, created, last_start)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, digest, sess.UserID, sess.Agent, sess.IP, sess.Created, sess.LastStart,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// SessionByToken resolves a token to its session, stamping lastStart and the
// connecting client's metadata. Returns ErrNoSession for unknown tokens.
func (s *Store) SessionByToken(token, agent, ip string) (*Session, error) {
	digest, err := tokenDigest(token)
	if err != nil {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	err = s.db.QueryRow(
		`SELECT id, user_id, agent, ip, created, last_start FROM sessions WHERE token_digest = ?`,
		digest,
	).Scan(&sess.ID, &sess.UserID, &sess.Agent, &sess.IP, &sess.Created, &sess.LastStart)
	if err == sql.ErrNoRows {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	sess.LastStart = time.Now().UnixMilli()
	sess.Agent = agent
	sess.IP = ip
	if _, err := s.db.Exec(
		`UPDATE sessions SET last_start = ?, agent = ?, ip = ? WHERE id = ?`,
		sess.LastStart, agent, ip, sess.ID,
	); err != nil {
		return nil, fmt.Errorf("stamp session: %w", err)
	}
	return &sess, nil
}

// SessionsByUser lists all device sessions of a user, newest first.
func (s *Store) SessionsByUser(userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, user_id, agent, ip, created, last_start
		 FROM sessions WHERE user_id = ? ORDER BY created DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Agent, &sess.IP, &sess.Created, &sess.LastStart); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession revokes one session. The gateway force-resets any connection
// still bound to it.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}
