package database

import "time"

// File is a stored file record. Records with a non-nil DeletingAt are
// being removed and are hidden from every lookup except the reconciler's.
type File struct {
	ID           string
	OwnerID      string
	Filename     string
	StorageKey   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	Tags         []string
	SortOrder    int
	ShareToken   *string // nil until the first share request
	ViewCount    int64
	CreatedAt    time.Time
	DeletingAt   *time.Time
}

// User is a registered account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// ShareTarget is the minimum needed to serve a shared view.
type ShareTarget struct {
	FileID     string
	StorageKey string
}
