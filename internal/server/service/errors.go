package service

import (
	"context"
	"errors"
)

// Sentinel errors for the service layer.
var (
	ErrNoFiles              = errors.New("no files provided")
	ErrValidation           = errors.New("invalid request")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrPayloadTooLarge      = errors.New("file exceeds maximum allowed size")
	ErrNotFound             = errors.New("file not found")
	ErrOwnershipViolation   = errors.New("one or more files not found")
	ErrShareNotFound        = errors.New("shared file not found")
	ErrStore                = errors.New("failed to store file")
	ErrPersistence          = errors.New("failed to save file record")
	ErrDanglingRecord       = errors.New("file record outlived its stored object")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrUnauthorized         = errors.New("missing or invalid credentials")
	ErrEmailTaken           = errors.New("email already registered")
)

// publicSentinels are safe to show to callers verbatim.
var publicSentinels = []error{
	ErrNoFiles,
	ErrValidation,
	ErrUnsupportedMediaType,
	ErrPayloadTooLarge,
	ErrNotFound,
	ErrOwnershipViolation,
	ErrShareNotFound,
	ErrStore,
	ErrPersistence,
	ErrDanglingRecord,
	ErrInvalidCredentials,
	ErrUnauthorized,
	ErrEmailTaken,
}

// PublicMessage returns a caller-facing message for err that never includes
// wrapped internals such as storage keys or driver errors.
func PublicMessage(err error) string {
	for _, sentinel := range publicSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "request cancelled"
	}
	return "internal server error"
}
