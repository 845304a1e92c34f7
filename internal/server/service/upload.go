package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stash/internal/server/database"
)

// UploadFile is one payload of an upload request. Content must be
// rewindable so a transient store failure can be retried.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReadSeeker
}

// UploadResult is the outcome for one payload.
type UploadResult struct {
	Name  string       `json:"name"`
	File  *FileSummary `json:"file,omitempty"`
	Error string       `json:"error,omitempty"`
	Err   error        `json:"-"`
}

// UploadReport collects per-file results in request order.
type UploadReport struct {
	Results   []UploadResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// Upload validates every payload, then stores each one independently with
// bounded concurrency. A validation failure rejects the whole request before
// anything is written; a storage failure only affects its own file.
func (s *FileService) Upload(ctx context.Context, ownerID string, files []UploadFile, rawTags string) (*UploadReport, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if len(files) > s.cfg.MaxFilesPerRequest {
		return nil, fmt.Errorf("%w: at most %d files per request", ErrValidation, s.cfg.MaxFilesPerRequest)
	}

	tags, err := ParseTags(rawTags)
	if err != nil {
		return nil, err
	}

	for i := range files {
		if err := s.validate(&files[i]); err != nil {
			uploadsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}

	report := &UploadReport{Results: make([]UploadResult, len(files))}

	var g errgroup.Group
	g.SetLimit(max(s.cfg.UploadConcurrency, 1))
	for i := range files {
		g.Go(func() error {
			report.Results[i] = s.uploadOne(ctx, ownerID, files[i], tags)
			return nil
		})
	}
	g.Wait()

	for _, r := range report.Results {
		if r.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}

	slog.Info("upload processed",
		"owner_id", ownerID,
		"files", len(files),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// validate checks the declared type against the allow-list and the size limit.
// With strict checking enabled the content is sniffed and must agree with the
// declared type. ContentType is normalized in place.
func (s *FileService) validate(f *UploadFile) error {
	if f.Content == nil {
		return fmt.Errorf("%w: %s has no content", ErrValidation, f.Name)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: %s has an invalid size", ErrValidation, f.Name)
	}
	if f.Size > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %s is larger than %d bytes", ErrPayloadTooLarge, f.Name, s.cfg.MaxFileSize)
	}

	declared := normalizeContentType(f.ContentType)
	if declared == "" || declared == "application/octet-stream" {
		detected, err := sniff(f.Content)
		if err != nil {
			return unreadable(f.Name, err)
		}
		declared = normalizeContentType(detected.String())
	} else if s.cfg.StrictMime {
		detected, err := sniff(f.Content)
		if err != nil {
			return unreadable(f.Name, err)
		}
		if !detected.Is(declared) {
			return fmt.Errorf("%w: %s declared %s but looks like %s",
				ErrUnsupportedMediaType, f.Name, declared, detected.String())
		}
	}

	if !slices.Contains(s.cfg.AllowedMimeTypes, declared) {
		return fmt.Errorf("%w: %s (%s)", ErrUnsupportedMediaType, f.Name, declared)
	}
	f.ContentType = declared
	return nil
}

// unreadable logs the read failure and returns a validation error that only
// names the file.
func unreadable(name string, err error) error {
	slog.Warn("failed to read upload content", "original_name", name, "error", err)
	return fmt.Errorf("%w: %s could not be read", ErrValidation, name)
}

func (s *FileService) uploadOne(ctx context.Context, ownerID string, f UploadFile, tags []string) UploadResult {
	result := UploadResult{Name: f.Name}
	fail := func(err error) UploadResult {
		uploadsTotal.WithLabelValues("failed").Inc()
		result.Err = err
		result.Error = PublicMessage(err)
		return result
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	filename, err := generateFilename(f.Name)
	if err != nil {
		return fail(err)
	}
	key := storageKey(ownerID, filename)

	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrValidation, err))
	}
	if err := s.store.Put(ctx, key, f.Content, f.Size, f.ContentType); err != nil {
		slog.Error("failed to store object",
			"owner_id", ownerID,
			"original_name", f.Name,
			"storage_key", key,
			"error", err,
		)
		return fail(fmt.Errorf("%w: %v", ErrStore, err))
	}

	rec := &database.File{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Filename:     filename,
		StorageKey:   key,
		OriginalName: sanitizeFilename(f.Name),
		MimeType:     f.ContentType,
		SizeBytes:    f.Size,
		Tags:         tags,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		slog.Error("failed to create file record, removing object",
			"owner_id", ownerID,
			"storage_key", key,
			"error", err,
		)
		// Clean up stored object on DB failure; the cleanup service sweeps it otherwise.
		if delErr := s.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			slog.Error("failed to remove orphaned object",
				"storage_key", key,
				"error", delErr,
			)
		}
		return fail(fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadedBytesTotal.Add(float64(f.Size))
	slog.Info("file uploaded",
		"file_id", rec.ID,
		"owner_id", ownerID,
		"filename", filename,
		"mime_type", f.ContentType,
		"size", f.Size,
	)

	summary := s.summarize(rec)
	result.File = &summary
	return result
}

// --- Helpers ---

func sniff(r io.ReadSeeker) (*mimetype.MIME, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return detected, nil
}

// normalizeContentType lower-cases a media type and drops its parameters.
func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return strings.ToLower(ct)
}

// generateFilename returns "<unixMillis>-<rand8hex>-<sanitizedName>".
func generateFilename(original string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), hex.EncodeToString(b), sanitizeFilename(original)), nil
}

func storageKey(ownerID, filename string) string {
	return ownerID + "/" + filename
}

// sanitizeFilename strips directory components, replaces characters outside
// [A-Za-z0-9._-] and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)

	// Limit length
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "file"
	}

	return name
}
