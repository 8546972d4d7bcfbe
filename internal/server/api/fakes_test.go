package api

import (
	"context"
	"errors"
	"sort"
	"sync"

	"snapshare/internal/server/database"
)

type memUsers struct {
	mu    sync.Mutex
	users map[int64]*database.User
	next  int64
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[int64]*database.User)}
}

func (m *memUsers) Create(_ context.Context, user *database.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return database.ErrDuplicateUsername
		}
	}
	m.next++
	user.ID = m.next
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, database.ErrUserNotFound
}

type memImages struct {
	mu     sync.Mutex
	images map[int64]*database.Image
	next   int64
}

func newMemImages() *memImages {
	return &memImages{images: make(map[int64]*database.Image)}
}

func (m *memImages) Create(_ context.Context, img *database.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	img.ID = m.next
	cp := *img
	m.images[img.ID] = &cp
	return nil
}

func (m *memImages) GetByID(_ context.Context, id int64) (*database.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, database.ErrImageNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *memImages) ListByUser(_ context.Context, userID int64) ([]*database.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.Image
	for _, img := range m.images {
		if img.UserID == userID {
			cp := *img
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memImages) SetShareToken(_ context.Context, id, userID int64, token *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok || img.UserID != userID {
		return database.ErrImageNotFound
	}
	img.ShareToken = token
	return nil
}

func (m *memImages) DeleteOwned(_ context.Context, id, userID int64) (*database.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok || img.UserID != userID {
		return nil, database.ErrImageNotFound
	}
	delete(m.images, id)
	return img, nil
}

func (m *memImages) SummaryByUser(_ context.Context, userID int64) (*database.ImageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &database.ImageSummary{}
	for _, img := range m.images {
		if img.UserID != userID {
			continue
		}
		s.Count++
		s.TotalBytes += img.SizeBytes
		if img.Shared() {
			s.Shared++
		}
	}
	return s, nil
}

func (m *memImages) only() *database.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		cp := *img
		return &cp
	}
	return nil
}

func (m *memImages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

var errDown = errors.New("connection refused")
