package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_store_operations_total",
			Help: "Object store calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_store_operation_duration_seconds",
			Help:    "Object store call latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_store_retries_total",
			Help: "Object store attempts retried after a transient failure",
		},
		[]string{"operation"},
	)
)

// RetryingStore bounds every call with a per-attempt timeout and retries
// transient failures with exponential backoff.
type RetryingStore struct {
	next       Store
	maxRetries uint64
	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

// NewRetryingStore wraps next.
func NewRetryingStore(next Store, maxRetries int, timeout time.Duration) *RetryingStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingStore{
		next:       next,
		maxRetries: uint64(maxRetries),
		timeout:    timeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Put rewinds seekable readers before each attempt. Non-seekable readers
// get a single attempt.
func (s *RetryingStore) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	seeker, seekable := data.(io.Seeker)
	attempt := 0
	return s.do(ctx, OpPut, key, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if !seekable {
				return backoff.Permanent(&Error{Op: OpPut, Key: key, Err: errors.New("body is not rewindable")})
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(wrapErr(OpPut, key, false, err))
			}
		}
		return s.next.Put(ctx, key, data, size, contentType)
	})
}

func (s *RetryingStore) Delete(ctx context.Context, key string) error {
	return s.do(ctx, OpDelete, key, func(ctx context.Context) error {
		return s.next.Delete(ctx, key)
	})
}

func (s *RetryingStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var signed string
	err := s.do(ctx, OpSign, key, func(ctx context.Context) error {
		u, err := s.next.SignedGetURL(ctx, key, ttl)
		if err != nil {
			return err
		}
		signed = u
		return nil
	})
	return signed, err
}

func (s *RetryingStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := s.do(ctx, OpList, prefix, func(ctx context.Context) error {
		list, err := s.next.List(ctx, prefix)
		if err != nil {
			return err
		}
		objects = list
		return nil
	})
	return objects, err
}

func (s *RetryingStore) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	start := time.Now()
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			storeRetriesTotal.WithLabelValues(op).Inc()
		}

		attemptCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("object store call failed, retrying",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"error", err,
		)
		return err
	}, b)

	storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		storeOpsTotal.WithLabelValues(op, "error").Inc()
		// Retry returns the bare context error when the caller gave up.
		return wrapErr(op, key, false, err)
	}
	storeOpsTotal.WithLabelValues(op, "success").Inc()
	return nil
}
