package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/labstack/echo/v4"

	"stash/internal/server/storage"
)

// BlobServer serves objects behind signed URLs. It is implemented by
// storage.FileSystemStore.
type BlobServer interface {
	Verify(key, expires, sig string) error
	Open(key string) (*os.File, error)
}

// HandleBlob handles GET /blobs/*, the target of filesystem signed URLs.
func (h *Handler) HandleBlob(c echo.Context) error {
	if h.blobs == nil {
		return errorJSON(c, http.StatusNotFound, CodeNotFound, "not found")
	}

	key, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, CodeValidation, "invalid object key")
	}

	if err := h.blobs.Verify(key, c.QueryParam("expires"), c.QueryParam("sig")); err != nil {
		msg := "invalid signature"
		if errors.Is(err, storage.ErrSignatureExpired) {
			msg = "link expired"
		}
		return errorJSON(c, http.StatusForbidden, CodeForbidden, msg)
	}

	f, err := h.blobs.Open(key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return errorJSON(c, http.StatusNotFound, CodeNotFound, "not found")
		}
		slog.Error("failed to open blob", "key", key, "error", err)
		return errorJSON(c, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("failed to stat blob", "key", key, "error", err)
		return errorJSON(c, http.StatusInternalServerError, CodeInternal, "internal server error")
	}

	c.Response().Header().Set("Cache-Control", "private, max-age=0")
	http.ServeContent(c.Response(), c.Request(), path.Base(key), info.ModTime(), f)
	return nil
}
