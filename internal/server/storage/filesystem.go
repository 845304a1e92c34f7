package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureExpired = errors.New("signature expired")
	ErrObjectNotFound   = errors.New("object not found")
)

const tempSuffix = ".partial"

// FileSystemStore stores objects on the local filesystem and signs
// download URLs that are served back through the /blobs route.
type FileSystemStore struct {
	basePath   string
	signingKey []byte
	baseURL    string
	now        func() time.Time
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string, signingKey []byte, baseURL string) *FileSystemStore {
	return &FileSystemStore{
		basePath:   basePath,
		signingKey: signingKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		now:        time.Now,
	}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Put writes data to a temporary file next to the target and renames it
// into place, so readers never observe a partial object.
func (fs *FileSystemStore) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	path, err := fs.objectPath(key)
	if err != nil {
		return wrapErr(OpPut, key, false, err)
	}
	if err := ctx.Err(); err != nil {
		return wrapErr(OpPut, key, false, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return wrapErr(OpPut, key, false, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return wrapErr(OpPut, key, true, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return wrapErr(OpPut, key, true, fmt.Errorf("failed to write file: %w", err))
	}
	if size >= 0 && n != size {
		os.Remove(tmpName)
		return wrapErr(OpPut, key, false, fmt.Errorf("short write: wrote %d of %d bytes", n, size))
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return wrapErr(OpPut, key, true, fmt.Errorf("failed to move file into place: %w", err))
	}
	return nil
}

// Delete removes a stored object. Missing objects are not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	path, err := fs.objectPath(key)
	if err != nil {
		return wrapErr(OpDelete, key, false, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrapErr(OpDelete, key, true, fmt.Errorf("failed to delete file: %w", err))
	}
	return nil
}

// SignedGetURL returns a time-limited URL for the /blobs route.
func (fs *FileSystemStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := fs.objectPath(key); err != nil {
		return "", wrapErr(OpSign, key, false, err)
	}

	expires := strconv.FormatInt(fs.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", fs.sign(key, expires))

	return fmt.Sprintf("%s/blobs/%s?%s", fs.baseURL, escapeKey(key), q.Encode()), nil
}

// Verify checks a signature produced by SignedGetURL.
func (fs *FileSystemStore) Verify(key, expires, sig string) error {
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(fs.sign(key, expires))) {
		return ErrSignatureInvalid
	}
	if fs.now().Unix() > unix {
		return ErrSignatureExpired
	}
	return nil
}

// Open returns the stored object for reading.
func (fs *FileSystemStore) Open(key string) (*os.File, error) {
	path, err := fs.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// List walks the storage directory and returns every object under prefix.
// In-flight temporary files are skipped.
func (fs *FileSystemStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(fs.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == fs.basePath {
				return filepath.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(path, tempSuffix) {
			return nil
		}

		rel, err := filepath.Rel(fs.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, wrapErr(OpList, prefix, false, err)
	}
	return objects, nil
}

func (fs *FileSystemStore) sign(key, expires string) string {
	mac := hmac.New(sha256.New, fs.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// objectPath maps a key onto the storage directory, rejecting anything
// that could resolve outside of it.
func (fs *FileSystemStore) objectPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(key)), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
