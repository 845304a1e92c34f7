package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/storage"
)

const (
	shareTokenBytes    = 32
	maxTokenCollisions = 3
)

var shareTokenLength = base64.RawURLEncoding.EncodedLen(shareTokenBytes)

// ShareRepository is the persistence the share resolver depends on.
type ShareRepository interface {
	FindByOwnerAndRef(ctx context.Context, ownerID, ref string) (*database.File, error)
	FindShareTarget(ctx context.Context, token string) (*database.ShareTarget, error)
	SetShareTokenIfAbsent(ctx context.Context, ownerID, fileID, token string) (string, error)
	IncrementViewCount(ctx context.Context, fileID string) (int64, error)
}

// ShareLink is returned by IssueShareLink.
type ShareLink struct {
	SharedLink string `json:"sharedLink"`
}

// SharedView is a short-lived URL for a shared file.
type SharedView struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ShareService issues share tokens and resolves them for anonymous viewers.
type ShareService struct {
	repo     ShareRepository
	store    storage.Store
	cache    *expirable.LRU[string, database.ShareTarget]
	baseURL  string
	urlTTL   time.Duration
	newToken func() (string, error)
}

// NewShareService creates a new share service.
func NewShareService(repo ShareRepository, store storage.Store, cfg *config.Config) *ShareService {
	return &ShareService{
		repo:     repo,
		store:    store,
		cache:    expirable.NewLRU[string, database.ShareTarget](cfg.ShareCacheSize, nil, cfg.ShareCacheTTL),
		baseURL:  cfg.ShareBaseURL,
		urlTTL:   cfg.SignedURLTTL,
		newToken: generateShareToken,
	}
}

// IssueShareLink returns the file's share link, generating and persisting a
// token on first use. Concurrent first requests converge on one token.
func (s *ShareService) IssueShareLink(ctx context.Context, ownerID, ref string) (*ShareLink, error) {
	rec, err := s.repo.FindByOwnerAndRef(ctx, ownerID, ref)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rec.ShareToken != nil {
		return &ShareLink{SharedLink: *shareLink(s.baseURL, rec.ShareToken)}, nil
	}

	for range maxTokenCollisions {
		token, err := s.newToken()
		if err != nil {
			return nil, err
		}

		stored, err := s.repo.SetShareTokenIfAbsent(ctx, ownerID, rec.ID, token)
		switch {
		case err == nil:
			if stored == token {
				sharesIssuedTotal.Inc()
				slog.Info("share link issued", "file_id", rec.ID, "owner_id", ownerID)
			}
			return &ShareLink{SharedLink: *shareLink(s.baseURL, &stored)}, nil
		case errors.Is(err, database.ErrTokenCollision):
			slog.Warn("share token collision, regenerating", "file_id", rec.ID)
			continue
		case errors.Is(err, database.ErrFileNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil, fmt.Errorf("%w: share token collided %d times", ErrPersistence, maxTokenCollisions)
}

// ResolveSharedView maps a token to its file by exact match, counts the view
// and returns a signed URL for the object.
func (s *ShareService) ResolveSharedView(ctx context.Context, token string) (*SharedView, error) {
	if !validShareToken(token) {
		shareViewsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrShareNotFound
	}

	target, ok := s.cache.Get(token)
	if !ok {
		found, err := s.repo.FindShareTarget(ctx, token)
		if err != nil {
			if errors.Is(err, database.ErrFileNotFound) {
				shareViewsTotal.WithLabelValues("not_found").Inc()
				return nil, ErrShareNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		target = *found
		s.cache.Add(token, target)
	}

	if _, err := s.repo.IncrementViewCount(ctx, target.FileID); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			// Deleted since it was cached.
			s.cache.Remove(token)
			shareViewsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	expiresAt := time.Now().Add(s.urlTTL)
	url, err := s.store.SignedGetURL(ctx, target.StorageKey, s.urlTTL)
	if err != nil {
		slog.Error("failed to sign object url",
			"file_id", target.FileID,
			"storage_key", target.StorageKey,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	shareViewsTotal.WithLabelValues("success").Inc()
	return &SharedView{URL: url, ExpiresAt: expiresAt}, nil
}

// generateShareToken returns 256 random bits, base64url encoded without padding.
func generateShareToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validShareToken(token string) bool {
	if len(token) != shareTokenLength {
		return false
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
