package admin

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"snapshare/internal/server/database"
	"snapshare/internal/server/storage"
)

// ExportStats reports what WriteArchive put into the archive.
type ExportStats struct {
	Files   int
	Missing int
	Bytes   int64
}

// WriteArchive writes a zip of the given images to w, reading each from
// store. Entries are named after the stored filename and stamped with the
// upload time. Rows whose file is gone are skipped and counted as missing.
func WriteArchive(ctx context.Context, w io.Writer, images []*database.Image, store storage.Store) (ExportStats, error) {
	var stats ExportStats
	zw := zip.NewWriter(w)

	for _, img := range images {
		n, err := addImageToZip(ctx, zw, store, img)
		if err != nil {
			if errors.Is(err, storage.ErrFileNotFound) {
				slog.Warn("image row without file", "id", img.ID, "filename", img.Filename)
				stats.Missing++
				continue
			}
			zw.Close()
			return stats, err
		}
		stats.Files++
		stats.Bytes += n
	}

	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return stats, nil
}

func addImageToZip(ctx context.Context, zw *zip.Writer, store storage.Store, img *database.Image) (int64, error) {
	src, err := store.Open(ctx, img.Filename)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	header := &zip.FileHeader{
		Name:     img.Filename,
		Method:   zip.Store, // images are already compressed
		Modified: img.UploadTime,
	}

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return 0, fmt.Errorf("failed to create zip entry: %w", err)
	}

	n, err := io.Copy(writer, src)
	if err != nil {
		return n, fmt.Errorf("failed to write %s to zip: %w", img.Filename, err)
	}
	return n, nil
}
