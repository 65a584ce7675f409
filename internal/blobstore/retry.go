package blobstore

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/mmp/rekord/internal/rkerr"
)

// maxAttempts bounds the retry wrapper below at 5 tries total, per spec.md
// §7's transient-error policy.
const maxAttempts = 5

// Retrying wraps a Store so that any call failing with rkerr.KindTransient
// is retried with exponential backoff and jitter before giving up. It is
// the generalization of the teacher's gcs.go retry() helper (a fixed
// 100ms*(tries+1) linear backoff scoped to GCS alone) into something any
// backend can opt into by wrapping itself with it, rather than every
// backend hand-rolling its own loop.
type Retrying struct {
	inner Store
}

// NewRetrying wraps inner so that transient errors are retried.
func NewRetrying(inner Store) *Retrying {
	return &Retrying{inner: inner}
}

func (r *Retrying) String() string { return r.inner.String() }

func withRetry(name string, f func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if !rkerr.Retryable(err) {
			return err
		}
		lastErr = err

		if log != nil {
			log.Warning("%s: transient error, retrying (%d/%d): %v", name, attempt+1, maxAttempts, err)
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		time.Sleep(backoff + jitter)
	}
	return lastErr
}

func (r *Retrying) Read(ctx context.Context, path string) (result io.ReadCloser, err error) {
	err = withRetry(path, func() error {
		rc, e := r.inner.Read(ctx, path)
		if e != nil {
			return e
		}
		result = rc
		return nil
	})
	return result, err
}

func (r *Retrying) Write(ctx context.Context, path string, length int64, producer Producer) (int64, error) {
	var n int64
	err := withRetry(path, func() error {
		var e error
		n, e = r.inner.Write(ctx, path, length, producer)
		return e
	})
	return n, err
}

func (r *Retrying) ExistsFast(ctx context.Context, path string) bool {
	return r.inner.ExistsFast(ctx, path)
}

func (r *Retrying) ExistsSlow(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := withRetry(path, func() error {
		var e error
		ok, e = r.inner.ExistsSlow(ctx, path)
		return e
	})
	return ok, err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := withRetry(prefix, func() error {
		var e error
		out, e = r.inner.List(ctx, prefix)
		return e
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, path string) error {
	return withRetry(path, func() error {
		return r.inner.Delete(ctx, path)
	})
}
