package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/storage"
)

// FileRepository is the persistence the file lifecycle depends on.
type FileRepository interface {
	Create(ctx context.Context, f *database.File) error
	FindByOwnerAndRef(ctx context.Context, ownerID, ref string) (*database.File, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*database.File, error)
	UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*database.File, error)
	BulkSetOrder(ctx context.Context, ownerID string, ids []string) error
	ClaimForDeletion(ctx context.Context, ownerID, ref string) (*database.File, error)
	ReleaseDeletion(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// FileSummary is the public view of a file record.
type FileSummary struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	Views        int64     `json:"views"`
	Tags         []string  `json:"tags"`
	SortOrder    int       `json:"sortOrder"`
	SharedLink   *string   `json:"sharedLink"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Stats is the owner's file listing in display order plus totals.
type Stats struct {
	Files      []FileSummary `json:"files"`
	FileCount  int           `json:"fileCount"`
	TotalViews int64         `json:"totalViews"`
	TotalBytes int64         `json:"totalBytes"`
	TotalSize  string        `json:"totalSize"`
}

// FileService orchestrates the lifecycle of file records and their objects.
type FileService struct {
	repo  FileRepository
	store storage.Store
	cfg   *config.Config
}

// NewFileService creates a new file service.
func NewFileService(repo FileRepository, store storage.Store, cfg *config.Config) *FileService {
	return &FileService{
		repo:  repo,
		store: store,
		cfg:   cfg,
	}
}

// Delete removes the owner's file: claim the record, delete the object,
// then delete the record. A second concurrent delete loses the claim and
// sees ErrNotFound.
func (s *FileService) Delete(ctx context.Context, ownerID, ref string) error {
	rec, err := s.repo.ClaimForDeletion(ctx, ownerID, ref)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.store.Delete(ctx, rec.StorageKey); err != nil {
		deletesTotal.WithLabelValues("store_error").Inc()
		slog.Error("failed to delete object, keeping record",
			"file_id", rec.ID,
			"storage_key", rec.StorageKey,
			"error", err,
		)
		if relErr := s.repo.ReleaseDeletion(context.WithoutCancel(ctx), rec.ID); relErr != nil {
			slog.Error("failed to release deletion claim",
				"file_id", rec.ID,
				"error", relErr,
			)
		}
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	// The object is gone; finish even if the caller disconnects.
	if err := s.repo.Delete(context.WithoutCancel(ctx), rec.ID); err != nil {
		deletesTotal.WithLabelValues("dangling").Inc()
		slog.Error("object deleted but record removal failed",
			"file_id", rec.ID,
			"owner_id", ownerID,
			"storage_key", rec.StorageKey,
			"error", err,
		)
		return fmt.Errorf("%w: %s: %v", ErrDanglingRecord, rec.ID, err)
	}

	deletesTotal.WithLabelValues("success").Inc()
	slog.Info("file deleted",
		"file_id", rec.ID,
		"owner_id", ownerID,
		"filename", rec.Filename,
	)
	return nil
}

// UpdateTags replaces the full tag set of one of the owner's files.
func (s *FileService) UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*FileSummary, error) {
	normalized, err := NormalizeTags(tags)
	if err != nil {
		return nil, err
	}

	rec, err := s.repo.UpdateTags(ctx, ownerID, ref, normalized)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	summary := s.summarize(rec)
	return &summary, nil
}

// UpdateOrder sets sortOrder = index for each id, atomically. Any id that is
// not one of the owner's live files rejects the whole request.
func (s *FileService) UpdateOrder(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(ids))
	normalized := make([]string, len(ids))
	for i, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("%w: %q is not a file id", ErrValidation, id)
		}
		canonical := parsed.String()
		if seen[canonical] {
			return fmt.Errorf("%w: duplicate id %q", ErrValidation, id)
		}
		seen[canonical] = true
		normalized[i] = canonical
	}

	if err := s.repo.BulkSetOrder(ctx, ownerID, normalized); err != nil {
		if errors.Is(err, database.ErrNotOwned) {
			return ErrOwnershipViolation
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("file order updated", "owner_id", ownerID, "count", len(ids))
	return nil
}

// Stats lists the owner's files in display order.
func (s *FileService) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	files, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	stats := &Stats{Files: make([]FileSummary, 0, len(files))}
	for _, f := range files {
		stats.Files = append(stats.Files, s.summarize(f))
		stats.TotalViews += f.ViewCount
		stats.TotalBytes += f.SizeBytes
	}
	stats.FileCount = len(files)
	stats.TotalSize = units.HumanSize(float64(stats.TotalBytes))
	return stats, nil
}

func (s *FileService) summarize(f *database.File) FileSummary {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return FileSummary{
		ID:           f.ID,
		Filename:     f.Filename,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
		Size:         f.SizeBytes,
		Views:        f.ViewCount,
		Tags:         tags,
		SortOrder:    f.SortOrder,
		SharedLink:   shareLink(s.cfg.ShareBaseURL, f.ShareToken),
		CreatedAt:    f.CreatedAt,
	}
}

func shareLink(baseURL string, token *string) *string {
	if token == nil {
		return nil
	}
	link := baseURL + "/view/" + *token
	return &link
}
