package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		ShareBaseURL:       "https://stash.test/files",
		SignedURLTTL:       time.Hour,
		MaxFileSize:        1024,
		MaxFilesPerRequest: 10,
		AllowedMimeTypes:   append([]string(nil), config.DefaultAllowedMimeTypes...),
		UploadConcurrency:  4,
		ShareCacheSize:     128,
		ShareCacheTTL:      time.Minute,
	}
}

// memRepo is an in-memory FileRepository and ShareRepository.
type memRepo struct {
	mu    sync.Mutex
	files map[string]*database.File

	createErr      error
	deleteErr      error
	setTokenHook   func()
	collisionsLeft int
}

func newMemRepo() *memRepo {
	return &memRepo{files: make(map[string]*database.File)}
}

func (r *memRepo) add(f *database.File) *database.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Tags == nil {
		f.Tags = []string{}
	}
	if f.StorageKey == "" {
		f.StorageKey = f.OwnerID + "/" + f.Filename
	}
	f.CreatedAt = time.Now()
	r.files[f.ID] = f
	return f
}

func (r *memRepo) get(id string) *database.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil
	}
	cp := *f
	return &cp
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func (r *memRepo) find(ownerID, ref string) *database.File {
	for _, f := range r.files {
		if f.OwnerID == ownerID && f.DeletingAt == nil && (f.ID == ref || f.Filename == ref) {
			return f
		}
	}
	return nil
}

func (r *memRepo) Create(ctx context.Context, f *database.File) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := 0
	for _, other := range r.files {
		if other.OwnerID == f.OwnerID && other.SortOrder >= next {
			next = other.SortOrder + 1
		}
	}
	f.SortOrder = next
	f.CreatedAt = time.Now()
	cp := *f
	r.files[f.ID] = &cp
	return nil
}

func (r *memRepo) FindByOwnerAndRef(ctx context.Context, ownerID, ref string) (*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.find(ownerID, ref)
	if f == nil {
		return nil, database.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *memRepo) ListByOwner(ctx context.Context, ownerID string) ([]*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*database.File
	for _, f := range r.files {
		if f.OwnerID == ownerID && f.DeletingAt == nil {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memRepo) UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.find(ownerID, ref)
	if f == nil {
		return nil, database.ErrFileNotFound
	}
	f.Tags = tags
	cp := *f
	return &cp, nil
}

func (r *memRepo) BulkSetOrder(ctx context.Context, ownerID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		f, ok := r.files[id]
		if !ok || f.OwnerID != ownerID || f.DeletingAt != nil {
			return database.ErrNotOwned
		}
	}
	for i, id := range ids {
		r.files[id].SortOrder = i
	}
	return nil
}

func (r *memRepo) ClaimForDeletion(ctx context.Context, ownerID, ref string) (*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.find(ownerID, ref)
	if f == nil {
		return nil, database.ErrFileNotFound
	}
	now := time.Now()
	f.DeletingAt = &now
	cp := *f
	return &cp, nil
}

func (r *memRepo) ReleaseDeletion(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[id]; ok {
		f.DeletingAt = nil
	}
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[id]; !ok {
		return database.ErrFileNotFound
	}
	delete(r.files, id)
	return nil
}

func (r *memRepo) FindShareTarget(ctx context.Context, token string) (*database.ShareTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.ShareToken != nil && *f.ShareToken == token && f.DeletingAt == nil {
			return &database.ShareTarget{FileID: f.ID, StorageKey: f.StorageKey}, nil
		}
	}
	return nil, database.ErrFileNotFound
}

func (r *memRepo) SetShareTokenIfAbsent(ctx context.Context, ownerID, fileID, token string) (string, error) {
	if r.setTokenHook != nil {
		r.setTokenHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collisionsLeft > 0 {
		r.collisionsLeft--
		return "", database.ErrTokenCollision
	}
	f, ok := r.files[fileID]
	if !ok || f.OwnerID != ownerID || f.DeletingAt != nil {
		return "", database.ErrFileNotFound
	}
	if f.ShareToken == nil {
		t := token
		f.ShareToken = &t
	}
	return *f.ShareToken, nil
}

func (r *memRepo) IncrementViewCount(ctx context.Context, fileID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.DeletingAt != nil {
		return 0, database.ErrFileNotFound
	}
	f.ViewCount++
	return f.ViewCount, nil
}

// memStore is an in-memory storage.Store that records calls.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes map[string]int

	putErr    error
	putErrFor map[string]bool // key suffixes that fail
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), deletes: make(map[string]int)}
}

func (s *memStore) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	for name := range s.putErrFor {
		if strings.HasSuffix(key, name) {
			return &storage.Error{Op: storage.OpPut, Key: key, Err: errors.New("access denied")}
		}
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[key]++
	delete(s.objects, key)
	return nil
}

func (s *memStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + key + "?sig=x", nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Object
	for k, v := range s.objects {
		out = append(out, storage.Object{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
