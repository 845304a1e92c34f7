package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Store defines the interface for object storage backends.
// Keys are opaque to the store; callers build them as "<owner>/<filename>".
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// Object describes an object found by List.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ErrInvalidKey is returned for keys that would escape the store's namespace.
var ErrInvalidKey = errors.New("invalid object key")

// Error wraps a failed store call with the operation and key involved.
// Retryable reports whether the failure is transient.
type Error struct {
	Op        string
	Key       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

func wrapErr(op, key string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Key: key, Retryable: retryable, Err: err}
}

// Operation names used in Error.Op and metric labels.
const (
	OpPut    = "put"
	OpDelete = "delete"
	OpSign   = "sign"
	OpList   = "list"
)
