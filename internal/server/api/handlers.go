package api

import (
	"context"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"stash/internal/server/auth"
	"stash/internal/server/service"
)

// FileManager is the file lifecycle the handlers drive.
type FileManager interface {
	Upload(ctx context.Context, ownerID string, files []service.UploadFile, rawTags string) (*service.UploadReport, error)
	Delete(ctx context.Context, ownerID, ref string) error
	UpdateTags(ctx context.Context, ownerID, ref string, tags []string) (*service.FileSummary, error)
	UpdateOrder(ctx context.Context, ownerID string, ids []string) error
	Stats(ctx context.Context, ownerID string) (*service.Stats, error)
}

// ShareManager issues and resolves share links.
type ShareManager interface {
	IssueShareLink(ctx context.Context, ownerID, ref string) (*service.ShareLink, error)
	ResolveSharedView(ctx context.Context, token string) (*service.SharedView, error)
}

// AccountManager registers users and authenticates requests.
type AccountManager interface {
	Register(ctx context.Context, email, password string) (*service.Account, error)
	Login(ctx context.Context, email, password string) (*service.Session, error)
	Logout(ctx context.Context, id *auth.Identity) error
	Authenticate(ctx context.Context, bearer string) (*auth.Identity, error)
}

// HealthChecker reports database connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the stash API.
type Handler struct {
	files    FileManager
	shares   ShareManager
	accounts AccountManager
	db       HealthChecker
	blobs    BlobServer
}

// NewHandler creates a new handler. blobs may be nil when objects are not
// served by this process.
func NewHandler(files FileManager, shares ShareManager, accounts AccountManager, db HealthChecker, blobs BlobServer) *Handler {
	return &Handler{
		files:    files,
		shares:   shares,
		accounts: accounts,
		db:       db,
		blobs:    blobs,
	}
}

type updateOrderRequest struct {
	Order []string `json:"order" validate:"required,max=1000,dive,required"`
}

type updateTagsRequest struct {
	Filename string   `json:"filename" validate:"required,max=512"`
	Tags     []string `json:"tags" validate:"max=100"`
}

// HandleUpload handles POST /files/upload.
// Accepts a multipart form with one or more "files" fields and an optional
// comma-separated "tags" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, CodeValidation, "expected a multipart form")
	}
	defer form.RemoveAll()

	headers := append(form.File["files"], form.File["file"]...)
	if len(headers) == 0 {
		return mapServiceError(c, service.ErrNoFiles)
	}

	files := make([]service.UploadFile, 0, len(headers))
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, CodeValidation, "failed to read uploaded file")
		}
		defer src.Close()
		files = append(files, uploadFile(fh, src))
	}

	var tags string
	if values := form.Value["tags"]; len(values) > 0 {
		tags = values[0]
	}

	report, err := h.files.Upload(c.Request().Context(), ownerID(c), files, tags)
	if err != nil {
		return mapServiceError(c, err)
	}

	status := http.StatusOK
	switch {
	case report.Succeeded == 0:
		status = http.StatusInternalServerError
	case report.Failed > 0:
		status = http.StatusMultiStatus
	}
	return c.JSON(status, report)
}

func uploadFile(fh *multipart.FileHeader, src multipart.File) service.UploadFile {
	return service.UploadFile{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Content:     src,
	}
}

// HandleShare handles POST /files/share/:fileId.
func (h *Handler) HandleShare(c echo.Context) error {
	link, err := h.shares.IssueShareLink(c.Request().Context(), ownerID(c), c.Param("fileId"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, link)
}

// HandleView handles GET /files/view/:sharedId. No authentication.
func (h *Handler) HandleView(c echo.Context) error {
	view, err := h.shares.ResolveSharedView(c.Request().Context(), c.Param("sharedId"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleUpdateOrder handles POST /files/update-order.
func (h *Handler) HandleUpdateOrder(c echo.Context) error {
	var req updateOrderRequest
	if err := bindAndValidate(c, &req); err != nil {
		return mapServiceError(c, err)
	}

	if err := h.files.UpdateOrder(c.Request().Context(), ownerID(c), req.Order); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "order updated"})
}

// HandleUpdateTags handles POST /files/update-tags.
func (h *Handler) HandleUpdateTags(c echo.Context) error {
	var req updateTagsRequest
	if err := bindAndValidate(c, &req); err != nil {
		return mapServiceError(c, err)
	}

	file, err := h.files.UpdateTags(c.Request().Context(), ownerID(c), req.Filename, req.Tags)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, file)
}

// HandleDelete handles DELETE /files/:filename. The parameter may also be a file id.
func (h *Handler) HandleDelete(c echo.Context) error {
	if err := h.files.Delete(c.Request().Context(), ownerID(c), c.Param("filename")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted successfully"})
}

// HandleStats handles GET /stats.
// Returns the caller's files in display order.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.files.Stats(c.Request().Context(), ownerID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = "unreachable"
		c.Logger().Error(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}
