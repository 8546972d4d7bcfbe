package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"snapshare/internal/server/config"
	"snapshare/internal/server/database"
	"snapshare/internal/server/storage"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of an upload is read to detect its type.
const sniffLen = 3072

// allowedImageTypes maps accepted content types to a canonical extension.
// SVG is left out on purpose: it can carry script.
var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
	"image/webp": ".webp",
}

// ImageRepository is the persistence the image service needs.
type ImageRepository interface {
	Create(ctx context.Context, img *database.Image) error
	GetByID(ctx context.Context, id int64) (*database.Image, error)
	ListByUser(ctx context.Context, userID int64) ([]*database.Image, error)
	SetShareToken(ctx context.Context, id, userID int64, token *string) error
	DeleteOwned(ctx context.Context, id, userID int64) (*database.Image, error)
	SummaryByUser(ctx context.Context, userID int64) (*database.ImageSummary, error)
}

// ImageService contains the upload, view, share and delete logic.
type ImageService struct {
	repo  ImageRepository
	store storage.Store
	cfg   *config.Config
}

// NewImageService creates a new image service.
func NewImageService(repo ImageRepository, store storage.Store, cfg *config.Config) *ImageService {
	return &ImageService{repo: repo, store: store, cfg: cfg}
}

// Upload sanitizes the client filename, checks that the content is an
// image, stores it under a collision-free name and records it for userID.
func (s *ImageService) Upload(ctx context.Context, userID int64, filename string, data io.Reader) (*database.Image, error) {
	name := secureFilename(filename)
	if name == "" {
		return nil, ErrNoFile
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(data, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload data: %w", err)
	}
	head = head[:n]

	contentType := mimetype.Detect(head).String()
	ext, ok := allowedImageTypes[contentType]
	if !ok || n == 0 {
		slog.Info("upload rejected: not an image", "user_id", userID, "filename", name, "content_type", contentType)
		return nil, ErrNotAnImage
	}
	if filepath.Ext(name) == "" {
		name += ext
	}

	stored := newFilePrefix() + "_" + name
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), data), s.cfg.MaxUploadSize+1)

	size, err := s.store.Save(ctx, stored, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	if size > s.cfg.MaxUploadSize {
		s.removeFile(ctx, stored)
		return nil, ErrFileTooLarge
	}

	img := &database.Image{
		Filename:    stored,
		UserID:      userID,
		UploadTime:  time.Now().UTC(),
		ContentType: contentType,
		SizeBytes:   size,
	}
	if err := s.repo.Create(ctx, img); err != nil {
		s.removeFile(ctx, stored)
		return nil, fmt.Errorf("failed to create image record: %w", err)
	}

	slog.Info("image uploaded",
		"id", img.ID,
		"user_id", userID,
		"filename", stored,
		"content_type", contentType,
		"size", size,
	)
	return img, nil
}

// List returns the user's own images, newest first.
func (s *ImageService) List(ctx context.Context, userID int64) ([]*database.Image, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Summary returns the dashboard totals for a user.
func (s *ImageService) Summary(ctx context.Context, userID int64) (*database.ImageSummary, error) {
	return s.repo.SummaryByUser(ctx, userID)
}

// View returns the image and its content when the caller may see it: either
// token matches the image's share token, or viewerID (0 for anonymous) owns
// the image. The caller must close the returned reader.
func (s *ImageService) View(ctx context.Context, imageID int64, token string, viewerID int64) (*database.Image, io.ReadCloser, error) {
	img, err := s.repo.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, database.ErrImageNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	if !tokenMatches(img, token) && (viewerID == 0 || viewerID != img.UserID) {
		return nil, nil, ErrForbidden
	}

	rc, err := s.store.Open(ctx, img.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			slog.Warn("image row without file", "id", img.ID, "filename", img.Filename)
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	return img, rc, nil
}

func tokenMatches(img *database.Image, token string) bool {
	if !img.Shared() || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*img.ShareToken), []byte(token)) == 1
}

// Share generates a fresh share token for an image owned by userID,
// replacing any previous token. Missing and foreign images are both
// ErrForbidden.
func (s *ImageService) Share(ctx context.Context, userID, imageID int64) (string, error) {
	img, err := s.repo.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, database.ErrImageNotFound) {
			return "", ErrForbidden
		}
		return "", err
	}
	if img.UserID != userID {
		return "", ErrForbidden
	}

	token, err := generateSecureToken(s.cfg.ShareTokenLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	if err := s.repo.SetShareToken(ctx, imageID, userID, &token); err != nil {
		if errors.Is(err, database.ErrImageNotFound) {
			return "", ErrForbidden
		}
		return "", err
	}

	slog.Info("share token generated", "id", imageID, "user_id", userID)
	return token, nil
}

// Unshare clears the share token so only the owner can view the image.
func (s *ImageService) Unshare(ctx context.Context, userID, imageID int64) error {
	if err := s.repo.SetShareToken(ctx, imageID, userID, nil); err != nil {
		if errors.Is(err, database.ErrImageNotFound) {
			return ErrForbidden
		}
		return err
	}
	slog.Info("share token revoked", "id", imageID, "user_id", userID)
	return nil
}

// DeleteMany deletes each listed image owned by userID, row first and then
// file. Unknown or foreign ids are skipped. It returns how many were deleted.
func (s *ImageService) DeleteMany(ctx context.Context, userID int64, ids []int64) (int, error) {
	deleted := 0
	for _, id := range ids {
		img, err := s.repo.DeleteOwned(ctx, id, userID)
		if err != nil {
			if errors.Is(err, database.ErrImageNotFound) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete image %d: %w", id, err)
		}

		s.removeFile(ctx, img.Filename)
		deleted++
		slog.Info("image deleted", "id", img.ID, "user_id", userID, "filename", img.Filename)
	}
	return deleted, nil
}

func (s *ImageService) removeFile(ctx context.Context, name string) {
	if err := s.store.Delete(ctx, name); err != nil {
		slog.Error("failed to delete file from storage", "filename", name, "error", err)
	}
}

// ShareURL builds the public link for a shared image.
func ShareURL(baseURL string, imageID int64, token string) string {
	return baseURL + "/view/" + strconv.FormatInt(imageID, 10) + "?token=" + url.QueryEscape(token)
}
