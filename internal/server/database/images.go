package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const imageColumns = `id, filename, user_id, upload_time, share_token, content_type, size_bytes`

// ImageRepository provides CRUD operations for images.
type ImageRepository struct {
	db *DB
}

// NewImageRepository creates a new ImageRepository.
func NewImageRepository(db *DB) *ImageRepository {
	return &ImageRepository{db: db}
}

func scanImage(row pgx.Row) (*Image, error) {
	img := &Image{}
	err := row.Scan(
		&img.ID,
		&img.Filename,
		&img.UserID,
		&img.UploadTime,
		&img.ShareToken,
		&img.ContentType,
		&img.SizeBytes,
	)
	return img, err
}

// Create inserts a new image record and sets its ID.
func (r *ImageRepository) Create(ctx context.Context, img *Image) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO images (filename, user_id, upload_time, content_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`,
		img.Filename,
		img.UserID,
		img.UploadTime,
		img.ContentType,
		img.SizeBytes,
	).Scan(&img.ID)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

// GetByID retrieves an image by its ID regardless of owner.
func (r *ImageRepository) GetByID(ctx context.Context, id int64) (*Image, error) {
	img, err := scanImage(r.db.Pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// ListByUser returns a user's images, newest first.
func (r *ImageRepository) ListByUser(ctx context.Context, userID int64) ([]*Image, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+imageColumns+`
		FROM images WHERE user_id = $1
		ORDER BY upload_time DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// SetShareToken stores token (nil clears it) on an image owned by userID.
// Returns ErrImageNotFound when no such owned image exists.
func (r *ImageRepository) SetShareToken(ctx context.Context, id, userID int64, token *string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE images SET share_token = $1 WHERE id = $2 AND user_id = $3",
		token, id, userID)
	if err != nil {
		return fmt.Errorf("failed to set share token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

// DeleteOwned removes the image row if it belongs to userID and returns the
// deleted record so the caller can remove the stored file.
func (r *ImageRepository) DeleteOwned(ctx context.Context, id, userID int64) (*Image, error) {
	img, err := scanImage(r.db.Pool.QueryRow(ctx, `
		DELETE FROM images WHERE id = $1 AND user_id = $2
		RETURNING `+imageColumns, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to delete image: %w", err)
	}
	return img, nil
}

// SummaryByUser returns aggregate figures for a user's images.
func (r *ImageRepository) SummaryByUser(ctx context.Context, userID int64) (*ImageSummary, error) {
	summary := &ImageSummary{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE share_token IS NOT NULL),
			COALESCE(SUM(size_bytes), 0)
		FROM images WHERE user_id = $1
	`, userID).Scan(&summary.Count, &summary.Shared, &summary.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize images: %w", err)
	}
	return summary, nil
}

// Filenames returns the stored filename of every image, for orphan detection.
func (r *ImageRepository) Filenames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT filename FROM images")
	if err != nil {
		return nil, fmt.Errorf("failed to list filenames: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan filenames: %w", err)
	}

	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}
