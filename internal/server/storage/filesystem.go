package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"snapshare/internal/server/config"
)

// ErrFileNotFound is returned by Open when the named file does not exist.
var ErrFileNotFound = errors.New("file not found")

// ErrInvalidName is returned for names that would escape the store root.
var ErrInvalidName = errors.New("invalid file name")

// ObjectInfo describes a stored file.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store defines the interface for image storage backends.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, name, contentType string, data io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ObjectInfo, error)
}

// FileSystemStore stores uploaded images in a single local directory.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// Init creates the upload directory if it doesn't exist.
func (fs *FileSystemStore) Init(context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to basePath/name and returns the number of bytes written.
// A partial file is removed when the copy fails.
func (fs *FileSystemStore) Save(_ context.Context, name, _ string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(name)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}

	n, err := io.Copy(file, data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Open returns the stored file for reading.
func (fs *FileSystemStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	filePath, err := fs.filePath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes the stored file. A file that is already gone is not an error.
func (fs *FileSystemStore) Delete(_ context.Context, name string) error {
	filePath, err := fs.filePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// List returns every regular file in the upload directory.
func (fs *FileSystemStore) List(context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload directory: %w", err)
	}

	var out []ObjectInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ObjectInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func (fs *FileSystemStore) filePath(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, name), nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, c := range name {
		if c == '/' || c == '\\' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// NewFromConfig builds the Store selected by cfg.StorageBackend.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		return NewS3Store(ctx, cfg.S3)
	case config.StorageBackendFilesystem, "":
		return NewFileSystemStore(cfg.UploadPath), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
