package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SessionStore keeps session data in the sessions table. It satisfies
// session.Store.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new PostgreSQL-backed session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Load returns the data of an unexpired session, or nil when there is none.
func (s *SessionStore) Load(ctx context.Context, id string) (map[string]string, error) {
	var data map[string]string
	err := s.db.Pool.QueryRow(ctx,
		"SELECT data FROM sessions WHERE id = $1 AND expires_at > NOW()", id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return data, nil
}

// Save upserts the session data and pushes its expiry ttl into the future.
func (s *SessionStore) Save(ctx context.Context, id string, data map[string]string, ttl time.Duration) error {
	if data == nil {
		data = map[string]string{}
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO sessions (id, data, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at
	`, id, data, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every expired session and reports how many went.
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
