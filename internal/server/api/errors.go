package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"stash/internal/server/service"
)

// Machine-readable error codes returned alongside the message.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnsupportedType = "UNSUPPORTED_MEDIA_TYPE"
	CodeTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternal        = "INTERNAL_ERROR"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorResponse{Error: message, Code: code})
}

// mapServiceError converts service-layer errors to HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	msg := service.PublicMessage(err)

	switch {
	case errors.Is(err, service.ErrNoFiles),
		errors.Is(err, service.ErrValidation):
		return errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, service.ErrUnsupportedMediaType):
		return errorJSON(c, http.StatusBadRequest, CodeUnsupportedType, err.Error())
	case errors.Is(err, service.ErrPayloadTooLarge):
		return errorJSON(c, http.StatusRequestEntityTooLarge, CodeTooLarge, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrUnauthorized):
		return errorJSON(c, http.StatusUnauthorized, CodeUnauthorized, msg)
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrOwnershipViolation),
		errors.Is(err, service.ErrShareNotFound):
		return errorJSON(c, http.StatusNotFound, CodeNotFound, msg)
	case errors.Is(err, service.ErrEmailTaken):
		return errorJSON(c, http.StatusConflict, CodeConflict, msg)
	default:
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
		return errorJSON(c, http.StatusInternalServerError, CodeInternal, msg)
	}
}

// httpErrorHandler renders errors returned by middleware (body limit,
// unknown routes) in the same shape as handler errors.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(status)
		}
	} else {
		slog.Error("unhandled error", "path", c.Path(), "error", err)
	}

	code := CodeInternal
	switch status {
	case http.StatusBadRequest:
		code = CodeValidation
	case http.StatusUnauthorized:
		code = CodeUnauthorized
	case http.StatusForbidden:
		code = CodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		code = CodeNotFound
	case http.StatusRequestEntityTooLarge:
		code = CodeTooLarge
	case http.StatusTooManyRequests:
		code = CodeRateLimited
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = errorJSON(c, status, code, message)
}
