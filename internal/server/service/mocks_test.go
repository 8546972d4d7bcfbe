package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"snapshare/internal/server/database"

	"github.com/stretchr/testify/mock"
)

type mockUserRepo struct{ mock.Mock }

func (m *mockUserRepo) Create(ctx context.Context, user *database.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *mockUserRepo) GetByID(ctx context.Context, id int64) (*database.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*database.User)
	return u, args.Error(1)
}

func (m *mockUserRepo) GetByUsername(ctx context.Context, username string) (*database.User, error) {
	args := m.Called(ctx, username)
	u, _ := args.Get(0).(*database.User)
	return u, args.Error(1)
}

type mockImageRepo struct{ mock.Mock }

func (m *mockImageRepo) Create(ctx context.Context, img *database.Image) error {
	return m.Called(ctx, img).Error(0)
}

func (m *mockImageRepo) GetByID(ctx context.Context, id int64) (*database.Image, error) {
	args := m.Called(ctx, id)
	img, _ := args.Get(0).(*database.Image)
	return img, args.Error(1)
}

func (m *mockImageRepo) ListByUser(ctx context.Context, userID int64) ([]*database.Image, error) {
	args := m.Called(ctx, userID)
	imgs, _ := args.Get(0).([]*database.Image)
	return imgs, args.Error(1)
}

func (m *mockImageRepo) SetShareToken(ctx context.Context, id, userID int64, token *string) error {
	return m.Called(ctx, id, userID, token).Error(0)
}

func (m *mockImageRepo) DeleteOwned(ctx context.Context, id, userID int64) (*database.Image, error) {
	args := m.Called(ctx, id, userID)
	img, _ := args.Get(0).(*database.Image)
	return img, args.Error(1)
}

func (m *mockImageRepo) SummaryByUser(ctx context.Context, userID int64) (*database.ImageSummary, error) {
	args := m.Called(ctx, userID)
	s, _ := args.Get(0).(*database.ImageSummary)
	return s, args.Error(1)
}

// pngBytes encodes a tiny valid PNG.
func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func strPtr(s string) *string { return &s }
