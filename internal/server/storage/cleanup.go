package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stash/internal/server/database"
)

var (
	cleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stash_cleanup_runs_total",
		Help: "Completed cleanup cycles",
	})

	cleanupRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_cleanup_removed_total",
			Help: "Records and objects removed by the cleanup service",
		},
		[]string{"kind"},
	)
)

// RecordStore is the subset of the file repository the cleanup service needs.
type RecordStore interface {
	ListStaleDeletions(ctx context.Context, cutoff time.Time) ([]*database.File, error)
	Delete(ctx context.Context, id string) error
	StorageKeyExists(ctx context.Context, key string) (bool, error)
}

// CleanupService periodically finishes interrupted deletions and removes
// objects that no record references.
type CleanupService struct {
	repo     RecordStore
	store    Store
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service. Claims and objects younger
// than grace are left alone so in-flight uploads and deletes can finish.
func NewCleanupService(repo RecordStore, store Store, interval, grace time.Duration) *CleanupService {
	return &CleanupService{
		repo:     repo,
		store:    store,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "grace", cs.grace)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// CleanupResult summarises one cycle.
type CleanupResult struct {
	DeletionsFinished int
	OrphansRemoved    int
	Failed            int
}

// RunOnce performs a single cleanup cycle.
func (cs *CleanupService) RunOnce(ctx context.Context) CleanupResult {
	var result CleanupResult
	cutoff := cs.now().Add(-cs.grace)

	cs.finishDeletions(ctx, cutoff, &result)
	cs.removeOrphans(ctx, cutoff, &result)

	cleanupRunsTotal.Inc()
	slog.Info("cleanup cycle complete",
		"deletions_finished", result.DeletionsFinished,
		"orphans_removed", result.OrphansRemoved,
		"failed", result.Failed,
	)
	return result
}

func (cs *CleanupService) finishDeletions(ctx context.Context, cutoff time.Time, result *CleanupResult) {
	stale, err := cs.repo.ListStaleDeletions(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list stale deletions", "error", err)
		result.Failed++
		return
	}

	for _, f := range stale {
		if err := cs.store.Delete(ctx, f.StorageKey); err != nil {
			slog.Error("failed to delete object",
				"file_id", f.ID,
				"storage_key", f.StorageKey,
				"error", err,
			)
			result.Failed++
			continue
		}

		if err := cs.repo.Delete(ctx, f.ID); err != nil && !errors.Is(err, database.ErrFileNotFound) {
			slog.Error("failed to delete db record",
				"file_id", f.ID,
				"error", err,
			)
			result.Failed++
			continue
		}

		result.DeletionsFinished++
		cleanupRemovedTotal.WithLabelValues("stale_deletion").Inc()
		slog.Info("finished interrupted deletion",
			"file_id", f.ID,
			"storage_key", f.StorageKey,
			"claimed_at", f.DeletingAt,
		)
	}
}

func (cs *CleanupService) removeOrphans(ctx context.Context, cutoff time.Time, result *CleanupResult) {
	objects, err := cs.store.List(ctx, "")
	if err != nil {
		slog.Error("failed to list objects", "error", err)
		result.Failed++
		return
	}

	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}

		exists, err := cs.repo.StorageKeyExists(ctx, obj.Key)
		if err != nil {
			slog.Error("failed to check storage key", "storage_key", obj.Key, "error", err)
			result.Failed++
			continue
		}
		if exists {
			continue
		}

		if err := cs.store.Delete(ctx, obj.Key); err != nil {
			slog.Error("failed to delete orphaned object", "storage_key", obj.Key, "error", err)
			result.Failed++
			continue
		}

		result.OrphansRemoved++
		cleanupRemovedTotal.WithLabelValues("orphan").Inc()
		slog.Info("removed orphaned object", "storage_key", obj.Key, "size", obj.Size)
	}
}
