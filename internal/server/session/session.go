// Package session implements server-side cookie sessions for echo.
//
// The cookie carries only a random session id; the data lives in a Store.
// A Session is loaded lazily on first access and written back just before
// the response headers go out, and only when something changed.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const flashKey = "_flash"

// Store persists session data by id.
type Store interface {
	// Load returns nil data (and no error) for an unknown or expired id.
	Load(ctx context.Context, id string) (map[string]string, error)
	Save(ctx context.Context, id string, data map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Session is the per-request view of one user's session.
type Session struct {
	ctx   context.Context
	store Store

	id    string
	oldID string
	data  map[string]string

	loaded    bool
	isNew     bool
	modified  bool
	destroyed bool
}

func newSession(ctx context.Context, id string, store Store) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Session{ctx: ctx, id: id, store: store}
}

func newID() string {
	return uuid.NewString()
}

// load fetches the data on first use. An id the store does not know is
// replaced with a fresh one so clients cannot choose their own session id.
func (s *Session) load() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	if s.id != "" {
		data, err := s.store.Load(s.ctx, s.id)
		if err != nil {
			failed := s.id
			s.id, s.isNew, s.data = newID(), true, map[string]string{}
			return fmt.Errorf("session: load %s: %w", failed, err)
		}
		if data != nil {
			s.data = data
			return nil
		}
	}

	s.id = newID()
	s.isNew = true
	s.data = map[string]string{}
	return nil
}

// Load forces the session data to be read from the store.
func (s *Session) Load() error {
	return s.load()
}

// ID returns the current session id.
func (s *Session) ID() string {
	s.load()
	return s.id
}

// IsNew reports whether the session was created during this request.
func (s *Session) IsNew() bool {
	s.load()
	return s.isNew
}

// Get returns the value stored under key, or "".
func (s *Session) Get(key string) string {
	s.load()
	return s.data[key]
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	s.load()
	if s.data[key] == value {
		return
	}
	s.data[key] = value
	s.modified = true
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.load()
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.modified = true
}

// AddFlash queues a one-shot message for the next render.
func (s *Session) AddFlash(msg string) {
	msgs := s.peekFlashes()
	msgs = append(msgs, msg)
	b, _ := json.Marshal(msgs)
	s.Set(flashKey, string(b))
}

// Flashes returns and clears the queued messages.
func (s *Session) Flashes() []string {
	msgs := s.peekFlashes()
	if len(msgs) > 0 {
		s.Delete(flashKey)
	}
	return msgs
}

func (s *Session) peekFlashes() []string {
	raw := s.Get(flashKey)
	if raw == "" {
		return nil
	}
	var msgs []string
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil
	}
	return msgs
}

// Rotate moves the session data to a fresh id. Call it when the privilege
// level changes, e.g. right after login.
func (s *Session) Rotate() {
	s.load()
	if !s.isNew && s.oldID == "" {
		s.oldID = s.id
	}
	s.id = newID()
	s.modified = true
}

// Destroy drops all data and removes the session from the store on commit.
func (s *Session) Destroy() {
	s.load()
	s.data = map[string]string{}
	s.destroyed = true
}

// Loaded reports whether the session data has been read during this request.
func (s *Session) Loaded() bool {
	return s.loaded
}

// Save writes pending changes to the store. It is a no-op when nothing
// changed.
func (s *Session) Save(ttl time.Duration) error {
	if !s.loaded {
		return nil
	}

	if s.oldID != "" {
		if err := s.store.Delete(s.ctx, s.oldID); err != nil {
			return fmt.Errorf("session: delete rotated %s: %w", s.oldID, err)
		}
		s.oldID = ""
	}

	if s.destroyed {
		if s.isNew {
			return nil
		}
		if err := s.store.Delete(s.ctx, s.id); err != nil {
			return fmt.Errorf("session: delete %s: %w", s.id, err)
		}
		return nil
	}

	if !s.modified {
		return nil
	}
	if err := s.store.Save(s.ctx, s.id, s.data, ttl); err != nil {
		return fmt.Errorf("session: save %s: %w", s.id, err)
	}
	s.modified = false
	return nil
}
