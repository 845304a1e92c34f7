package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrFileNotFound   = errors.New("file not found")
	ErrNotOwned       = errors.New("one or more files are not owned by the requester")
	ErrTokenCollision = errors.New("share token already in use")
)

const fileColumns = `id, owner_id, filename, storage_key, original_name, mime_type,
	size_bytes, tags, sort_order, share_token, view_count, created_at, deleting_at`

// Repository provides persistence for file records.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new file record, appending it after the owner's current
// highest sort order. SortOrder and CreatedAt are filled in from the database.
func (r *Repository) Create(ctx context.Context, f *File) error {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO files (
			id, owner_id, filename, storage_key, original_name, mime_type,
			size_bytes, tags, sort_order
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			(SELECT COALESCE(MAX(sort_order) + 1, 0) FROM files WHERE owner_id = $2)
		)
		RETURNING sort_order, created_at
	`,
		f.ID,
		f.OwnerID,
		f.Filename,
		f.StorageKey,
		f.OriginalName,
		f.MimeType,
		f.SizeBytes,
		tags,
	).Scan(&f.SortOrder, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// FindByOwnerAndRef looks up a live record by id or filename, scoped to the owner.
func (r *Repository) FindByOwnerAndRef(ctx context.Context, ownerID, ref string) (*File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files
		WHERE owner_id = $1 AND %s AND deleting_at IS NULL`, fileColumns, refPredicate(ref, 2))

	f, err := scanFile(r.db.Pool.QueryRow(ctx, query, ownerID, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListByOwner returns the owner's live records in display order.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]*File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files
		WHERE owner_id = $1 AND deleting_at IS NULL
		ORDER BY sort_order ASC, created_at ASC, id ASC`, fileColumns)

	return r.queryFiles(ctx, query, ownerID)
}

// FindShareTarget resolves a share token by exact match.
func (r *Repository) FindShareTarget(ctx context.Context, token string) (*ShareTarget, error) {
	target := &ShareTarget{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, storage_key FROM files
		WHERE share_token = $1 AND deleting_at IS NULL
	`, token).Scan(&target.FileID, &target.StorageKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to resolve share token: %w", err)
	}
	return target, nil
}

// SetShareTokenIfAbsent stores token only when the record has none yet and
// returns whichever token is persisted afterwards. Concurrent callers
// therefore all observe the same token.
func (r *Repository) SetShareTokenIfAbsent(ctx context.Context, ownerID, fileID, token string) (string, error) {
	var stored string
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE files SET share_token = $3
		WHERE id = $1 AND owner_id = $2 AND share_token IS NULL AND deleting_at IS NULL
		RETURNING share_token
	`, fileID, ownerID, token).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if isUniqueViolation(err, "idx_files_share_token") {
		return "", ErrTokenCollision
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to set share token: %w", err)
	}

	// Either another request won the race or the record is gone.
	var existing *string
	err = r.db.Pool.QueryRow(ctx, `
		SELECT share_token FROM files
		WHERE id = $1 AND owner_id = $2 AND deleting_at IS NULL
	`, fileID, ownerID).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("failed to read share token: %w", err)
	}
	if existing == nil {
		return "", ErrFileNotFound
	}
	return *existing, nil
}

// IncrementViewCount atomically increments the view counter of a live record.
func (r *Repository) IncrementViewCount(ctx context.Context, fileID string) (int64, error) {
	var views int64
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE files SET view_count = view_count + 1
		WHERE id = $1 AND deleting_at IS NULL
		RETURNING view_count
	`, fileID).Scan(&views)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrFileNotFound
		}
		return 0, fmt.Errorf("failed to increment view count: %w", err)
	}
	return views, nil
}

// UpdateTags replaces the tag set of the owner's record and returns the updated row.
func (r *Repository) UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*File, error) {
	if tags == nil {
		tags = []string{}
	}
	query := fmt.Sprintf(`UPDATE files SET tags = $3
		WHERE owner_id = $1 AND %s AND deleting_at IS NULL
		RETURNING %s`, refPredicate(ref, 2), fileColumns)

	f, err := scanFile(r.db.Pool.QueryRow(ctx, query, ownerID, ref, tags))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to update tags: %w", err)
	}
	return f, nil
}

// BulkSetOrder assigns sort_order = index for every id in one transaction.
// If any id is not a live record of the owner nothing is changed and
// ErrNotOwned is returned.
func (r *Repository) BulkSetOrder(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM files
			WHERE owner_id = $1 AND id = ANY($2::text[]::uuid[]) AND deleting_at IS NULL
			FOR UPDATE
		`, ownerID, ids)
		if err != nil {
			return fmt.Errorf("failed to lock files for reorder: %w", err)
		}
		locked, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to lock files for reorder: %w", err)
		}
		if len(locked) != len(ids) {
			return ErrNotOwned
		}

		_, err = tx.Exec(ctx, `
			UPDATE files AS f SET sort_order = o.ord - 1
			FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
			WHERE f.id = o.id::uuid AND f.owner_id = $1
		`, ownerID, ids)
		if err != nil {
			return fmt.Errorf("failed to update sort order: %w", err)
		}
		return nil
	})
}

// ClaimForDeletion marks the owner's live record as being deleted and returns it.
// Only one concurrent caller can claim a given record.
func (r *Repository) ClaimForDeletion(ctx context.Context, ownerID, ref string) (*File, error) {
	query := fmt.Sprintf(`UPDATE files SET deleting_at = NOW()
		WHERE owner_id = $1 AND %s AND deleting_at IS NULL
		RETURNING %s`, refPredicate(ref, 2), fileColumns)

	f, err := scanFile(r.db.Pool.QueryRow(ctx, query, ownerID, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to claim file for deletion: %w", err)
	}
	return f, nil
}

// ReleaseDeletion makes a claimed record visible again.
func (r *Repository) ReleaseDeletion(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, "UPDATE files SET deleting_at = NULL WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to release deletion claim: %w", err)
	}
	return nil
}

// Delete removes a file record by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ListStaleDeletions returns records whose deletion was claimed before cutoff.
func (r *Repository) ListStaleDeletions(ctx context.Context, cutoff time.Time) ([]*File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files
		WHERE deleting_at IS NOT NULL AND deleting_at < $1
		ORDER BY deleting_at ASC`, fileColumns)

	return r.queryFiles(ctx, query, cutoff)
}

// StorageKeyExists reports whether any record, live or claimed, owns key.
func (r *Repository) StorageKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM files WHERE storage_key = $1)", key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check storage key: %w", err)
	}
	return exists, nil
}

func (r *Repository) queryFiles(ctx context.Context, query string, args ...any) ([]*File, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// refPredicate matches ref against the id column when it is a UUID and
// against filename otherwise. Generated filenames never parse as UUIDs.
func refPredicate(ref string, argPos int) string {
	if _, err := uuid.Parse(ref); err == nil {
		return fmt.Sprintf("id = $%d::uuid", argPos)
	}
	return fmt.Sprintf("filename = $%d", argPos)
}

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID,
		&f.OwnerID,
		&f.Filename,
		&f.StorageKey,
		&f.OriginalName,
		&f.MimeType,
		&f.SizeBytes,
		&f.Tags,
		&f.SortOrder,
		&f.ShareToken,
		&f.ViewCount,
		&f.CreatedAt,
		&f.DeletingAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}
