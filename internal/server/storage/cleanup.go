package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// orphanGrace keeps freshly written files out of the orphan sweep: an upload
// saves its file before the image row exists.
const orphanGrace = time.Hour

// SessionSweeper removes expired sessions from a session backend.
type SessionSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// FilenameLister reports every filename referenced by an image row.
type FilenameLister interface {
	Filenames(ctx context.Context) (map[string]struct{}, error)
}

// CleanupService periodically removes expired sessions and stored files
// that no image row references.
type CleanupService struct {
	sessions SessionSweeper // nil when the backend expires sessions itself
	images   FilenameLister
	store    Store
	interval time.Duration
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service. sessions may be nil.
func NewCleanupService(sessions SessionSweeper, images FilenameLister, store Store, interval time.Duration) *CleanupService {
	return &CleanupService{
		sessions: sessions,
		images:   images,
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		defer close(cs.done)

		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	if cs.sessions != nil {
		n, err := cs.sessions.DeleteExpired(ctx)
		if err != nil {
			slog.Error("failed to delete expired sessions", "error", err)
		} else if n > 0 {
			slog.Info("expired sessions removed", "count", n)
		}
	}

	res, err := PruneOrphans(ctx, cs.images, cs.store, orphanGrace, false)
	if err != nil {
		slog.Error("orphan sweep failed", "error", err)
		return
	}
	slog.Info("cleanup cycle complete",
		"orphans_removed", len(res.Removed),
		"orphans_failed", res.Failed,
		"files_scanned", res.Scanned,
	)
}

// PruneResult summarises one orphan sweep.
type PruneResult struct {
	Scanned int
	Removed []string
	Failed  int
}

// PruneOrphans deletes stored files older than olderThan that no image row
// references. With dryRun set it only reports what it would remove.
func PruneOrphans(ctx context.Context, images FilenameLister, store Store, olderThan time.Duration, dryRun bool) (PruneResult, error) {
	var res PruneResult

	objects, err := store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list stored files: %w", err)
	}
	known, err := images.Filenames(ctx)
	if err != nil {
		return res, err
	}

	cutoff := time.Now().Add(-olderThan)
	for _, obj := range objects {
		res.Scanned++
		if _, ok := known[obj.Name]; ok || obj.ModTime.After(cutoff) {
			continue
		}
		if !dryRun {
			if err := store.Delete(ctx, obj.Name); err != nil {
				slog.Error("failed to delete orphan file", "name", obj.Name, "error", err)
				res.Failed++
				continue
			}
		}
		res.Removed = append(res.Removed, obj.Name)
	}
	return res, nil
}
