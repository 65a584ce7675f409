// Package blobstore implements the abstract Blob Store capability
// (component A): a mapping from string path to opaque byte blob, with
// atomic writes and an idempotent-collision outcome higher layers can
// treat as success. It plays the role the teacher's storage.Backend
// interface does in storage/storage.go, generalized from a
// content-addressed single namespace (chunk hash -> bytes) to the
// spec's two namespaces (objects/<aa>/<full> and tags/<full-hex-id>)
// plus the repository's plaintext metadata keys.
package blobstore

import (
	"context"
	"io"

	"github.com/mmp/rekord/internal/rlog"
	"github.com/mmp/rekord/internal/rkerr"
)

// Sink receives successive byte slices from a Write's producer; returning
// an error aborts the write before anything is made visible to readers.
type Sink func([]byte) error

// Producer is a pull-based streaming source. A backend's Write invokes it
// zero times (if, say, it discovers midway that the path already exists)
// or once. Retrying.Write calls the wrapped Write again after a transient
// failure, so behind a Retrying store the producer may be invoked once per
// attempt, up to maxAttempts times.
type Producer func(sink Sink) error

// Store is the minimal capability every concrete backend (local directory,
// S3) must provide. All methods are safe for concurrent use except where
// noted; in particular Store implementations back the parallel put/get
// pipelines directly.
type Store interface {
	String() string

	// Read returns the full contents of path. It returns an error
	// wrapping rkerr.ErrNotFound if path does not exist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores length bytes read from producer under path. Writes are
	// atomic to observers: a concurrent Read either sees the complete blob
	// or none of it. If path already exists, Write returns an error
	// wrapping rkerr.ErrAlreadyExists and the producer may not have been
	// invoked at all; this is an expected, non-error outcome for callers.
	Write(ctx context.Context, path string, length int64, producer Producer) (int64, error)

	// ExistsFast is a best-effort presence probe that may return false
	// negatives (but never false positives); it exists purely to short
	// circuit a write before paying for ExistsSlow or a doomed upload.
	ExistsFast(ctx context.Context, path string) bool

	// ExistsSlow is the authoritative presence check.
	ExistsSlow(ctx context.Context, path string) (bool, error)

	// List returns every path beginning with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes path. Used only for init rollback and tag
	// maintenance; never called on an object blob.
	Delete(ctx context.Context, path string) error
}

var log *rlog.Logger

// SetLogger wires a logger for backends to report soft failures through,
// mirroring the teacher's storage.SetLogger / util.Logger split between
// library code and the process that configures it.
func SetLogger(l *rlog.Logger) { log = l }

func notFound(path string, cause error) error {
	return rkerr.Wrap(rkerr.KindNotFound, cause, "%s: not found", path)
}

func alreadyExists(path string) error {
	return rkerr.New(rkerr.KindAlreadyExists, "%s: already exists", path)
}
