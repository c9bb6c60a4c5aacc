package store

import "fmt"

// CreateFriend records a friend request from user1 to user2.
func (s *Store) CreateFriend(user1ID, user2ID string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO friends (user1_id, user2_id, accepted) VALUES (?, ?, ?)`,
		user1ID, user2ID, boolInt(accepted),
	)
	return err
}

// AcceptFriend marks the edge between the two users accepted, either
// direction.
func (s *Store) AcceptFriend(aID, bID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE friends SET accepted = 1
		 WHERE (user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)`,
		aID, bID, bID, aID,
	)
	return err
}

// FriendsOf returns every friend edge touching the user, pending or accepted.
func (s *Store) FriendsOf(userID string) ([]Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT user1_id, user2_id, accepted FROM friends WHERE user1_id = ? OR user2_id = ?`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		var accepted int
		if err := rows.Scan(&f.User1ID, &f.User2ID, &accepted); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		f.Accepted = accepted != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// FriendAccepted reports whether an accepted edge exists between two users,
// either direction.
func (s *Store) FriendAccepted(aID, bID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM friends
		 WHERE accepted = 1
		   AND ((user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?))`,
		aID, bID, bID, aID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query friend edge: %w", err)
	}
	return n > 0, nil
}
